// Package tui renders the public leaderboard in the terminal.
package tui

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"
	"github.com/rs/zerolog"

	"github.com/louisbranch/racetrack/internal/services/leaderboard/feed"
	"github.com/louisbranch/racetrack/internal/services/leaderboard/tui/styles"
	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
)

var (
	s = styles.Default()
)

const (
	connectingMsg = "Connecting to race control..."
	defaultWidth  = 72
)

// NewLeaderboard returns the bubbletea program driving a Leaderboard.
func NewLeaderboard(opts ...TUIOption) *tea.Program {
	l := NewModel(opts...)
	return tea.NewProgram(l, tea.WithContext(l.ctx), tea.WithAltScreen())
}

// NewModel returns a Leaderboard waiting for its first board.
func NewModel(opts ...TUIOption) Leaderboard {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	l := Leaderboard{
		board:   feed.NewBoard(""),
		loading: true,
		spinner: sp,
		table:   newTable(),
		width:   defaultWidth,
		logger:  zerolog.Nop(),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

type TUIOption = func(l *Leaderboard)

// WithLogger configures the logger used by the TUI program.
func WithLogger(logger zerolog.Logger) TUIOption {
	return func(l *Leaderboard) { l.logger = logger }
}

// WithContext configures the context the TUI program stops on.
func WithContext(ctx context.Context) TUIOption {
	return func(l *Leaderboard) { l.ctx = ctx }
}

/* Bubbletea Interface Implementation
------------------------------------------------------------------------------------------------- */

func (l Leaderboard) Init() tea.Cmd {
	return l.spinner.Tick
}

func (l Leaderboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return handleKeyMsg(l, msg)
	case tea.WindowSizeMsg:
		return handleWindowSizeMsg(l, msg)
	case BoardMsg:
		return handleBoardMsg(l, msg)
	case ErrorMsg:
		l.err = msg.Err
		return l, nil
	case DoneMsg:
		return l, tea.Quit
	default:
		var cmd tea.Cmd
		if l.loading {
			l.spinner, cmd = l.spinner.Update(msg)
		}
		return l, cmd
	}
}

func (l Leaderboard) View() string {
	var v string
	switch {
	case l.err != nil:
		v = s.Error.Render(fmt.Sprintf("feed error: %v", l.err)) + "\n" + s.Footer.Render("q to quit")
	case l.loading:
		v = fmt.Sprintf("%s %s", l.spinner.View(), connectingMsg)
	default:
		v = lipgloss.JoinVertical(
			lipgloss.Left,
			titleView(l),
			bannerView(l),
			l.table.View(),
			s.Footer.Render("q to quit"),
		)
	}
	return s.Doc.Render(v)
}

/* Tea Message Types
------------------------------------------------------------------------------------------------- */

// BoardMsg carries a fresh feed snapshot.
type BoardMsg feed.Board

// ErrorMsg reports a feed failure.
type ErrorMsg struct {
	Err error
}

// DoneMsg stops the program.
type DoneMsg struct{}

/* Tea Message Handlers
------------------------------------------------------------------------------------------------- */

func handleKeyMsg(l Leaderboard, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		l.logger.Debug().Msg("received quit key")
		return l, tea.Quit
	}
	return l, nil
}

func handleWindowSizeMsg(l Leaderboard, msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	h, _ := s.Doc.GetFrameSize()
	l.width = max(msg.Width-h, 20)
	return l, nil
}

func handleBoardMsg(l Leaderboard, msg BoardMsg) (tea.Model, tea.Cmd) {
	l.loading = false
	l.board = feed.Board(msg)
	l.focus = l.board.Focus()
	l.table = newTable().WithRows(standingRows(l.board.Standings(l.focus))).SortByAsc("position")
	return l, nil
}

/* View Helper Functions
------------------------------------------------------------------------------------------------- */

func titleView(l Leaderboard) string {
	title := "Leaderboard"
	if session, ok := l.board.Session(l.focus); ok {
		title = session.Name
	}
	return s.TitleBar.Width(l.width).Render(title)
}

func bannerView(l Leaderboard) string {
	race, ok := l.board.Races[l.focus]
	if !ok {
		return s.SubtitleBar.Width(l.width).Render(s.Subtle.Render("No race scheduled"))
	}

	clock := ""
	switch race.Status {
	case string(domain.RacePending):
		clock = "Starting in " + formatClock(race.CountdownMs)
	case string(domain.RaceRunning):
		clock = "Remaining " + formatClock(race.RemainingMs)
	case string(domain.RaceEnded):
		clock = "Race over"
	}

	flag, style := flagView(race.Flag)
	return s.Banner.
		Width(l.width).
		BorderForeground(style.GetForeground()).
		Render(style.Render(flag) + "  " + clock)
}

func flagView(flag string) (string, lipgloss.Style) {
	switch flag {
	case string(domain.FlagHazard):
		return "HAZARD", s.Yellow
	case string(domain.FlagDanger):
		return "DANGER", s.Red
	case string(domain.FlagFinish):
		return "FINISH", s.Purple
	default:
		return "SAFE", s.Green
	}
}

func standingRows(standings []feed.Standing) []table.Row {
	rows := make([]table.Row, 0, len(standings))
	for _, st := range standings {
		d := st.Driver
		best := table.NewStyledCell(formatLap(d.BestLapMs), lipgloss.NewStyle())
		if st.Fastest {
			best = table.NewStyledCell(formatLap(d.BestLapMs), s.Purple)
		}
		last := table.NewStyledCell(formatLap(d.LastLapMs), lipgloss.NewStyle())
		if d.LastLapMs > 0 && d.LastLapMs == d.BestLapMs {
			last = table.NewStyledCell(formatLap(d.LastLapMs), s.Green)
		}
		rows = append(rows, table.NewRow(table.RowData{
			"position": st.Position,
			"kart":     d.Kart,
			"driver":   d.Name,
			"laps":     d.LapCount,
			"last":     last,
			"best":     best,
		}))
	}
	return rows
}

// formatLap renders a lap time as m:ss.mmm, or "-" when no lap is recorded.
func formatLap(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%02d.%03d", ms/60000, (ms/1000)%60, ms%1000)
}

// formatClock renders a countdown as m:ss, rounding partial seconds up.
func formatClock(ms int64) string {
	if ms <= 0 {
		return "0:00"
	}
	secs := (ms + 999) / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func newTable() table.Model {
	return table.New([]table.Column{
		table.NewColumn("position", "POS", 5),
		table.NewColumn("kart", "KART", 6),
		table.NewColumn("driver", "DRIVER", 20).WithStyle(lipgloss.NewStyle().Align(lipgloss.Left)),
		table.NewColumn("laps", "LAPS", 6),
		table.NewColumn("last", "LAST", 10),
		table.NewColumn("best", "BEST", 10),
	}).
		WithRows([]table.Row{}).
		WithBaseStyle(lipgloss.NewStyle().AlignHorizontal(lipgloss.Center))
}

/* Type Definitions
------------------------------------------------------------------------------------------------- */

type Leaderboard struct {
	board   feed.Board
	focus   string
	loading bool
	err     error
	spinner spinner.Model
	table   table.Model
	width   int
	logger  zerolog.Logger
	ctx     context.Context
}

var _ tea.Model = Leaderboard{}
