// Package broadcast fans out race-state frames to connected clients.
//
// Each peer owns a bounded FIFO queue drained by a single writer goroutine,
// so a slow client never blocks the publisher and always observes frames in
// publish order. A peer whose queue overflows is disconnected; it receives a
// fresh snapshot when it reconnects.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultQueueSize bounds the frames buffered for one peer.
const DefaultQueueSize = 256

// Frame is one outbound message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewFrame encodes payload into a frame.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// WriteFunc delivers one frame to the underlying connection.
type WriteFunc func(Frame) error

// Hub tracks connected peers.
type Hub struct {
	mu        sync.Mutex
	peers     map[*Peer]struct{}
	nextID    uint64
	queueSize int
	logger    zerolog.Logger
}

// NewHub returns an empty hub. A non-positive queueSize uses DefaultQueueSize.
func NewHub(queueSize int, logger zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		peers:     make(map[*Peer]struct{}),
		queueSize: queueSize,
		logger:    logger.With().Str("component", "broadcast").Logger(),
	}
}

// Register adds a peer and starts its writer. onClose runs once when the
// peer is closed for any reason. A write already in flight may finish after
// that, but no new write starts.
func (h *Hub) Register(write WriteFunc, onClose func()) *Peer {
	h.mu.Lock()
	h.nextID++
	p := &Peer{
		id:      h.nextID,
		hub:     h,
		queue:   make(chan Frame, h.queueSize),
		done:    make(chan struct{}),
		write:   write,
		onClose: onClose,
		watched: make(map[string]struct{}),
	}
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	go p.run()
	return p
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast queues frame for every peer.
func (h *Hub) Broadcast(frame Frame) {
	for _, p := range h.snapshot() {
		p.Send(frame)
	}
}

// Publish queues a session-scoped frame for peers watching sessionID or
// watching no session at all.
func (h *Hub) Publish(sessionID string, frame Frame) {
	for _, p := range h.snapshot() {
		if p.Watches(sessionID) {
			p.Send(frame)
		}
	}
}

// Forget drops sessionID from every peer's watch set.
func (h *Hub) Forget(sessionID string) {
	for _, p := range h.snapshot() {
		p.Unwatch(sessionID)
	}
}

// Close disconnects every peer.
func (h *Hub) Close() {
	for _, p := range h.snapshot() {
		p.Close()
	}
}

func (h *Hub) snapshot() []*Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

func (h *Hub) remove(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

// Peer is one connected client.
type Peer struct {
	id      uint64
	hub     *Hub
	queue   chan Frame
	done    chan struct{}
	write   WriteFunc
	onClose func()

	closeOnce sync.Once

	mu      sync.Mutex
	watched map[string]struct{}
}

// ID returns the hub-assigned peer number.
func (p *Peer) ID() uint64 {
	return p.id
}

// Send queues frame without blocking. It reports false when the peer is
// closed or its queue overflowed, in which case the peer is disconnected.
func (p *Peer) Send(frame Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- frame:
		return true
	case <-p.done:
		return false
	default:
		p.hub.logger.Warn().Uint64("peer", p.id).Str("frame", frame.Type).Msg("peer queue overflow, disconnecting")
		p.Close()
		return false
	}
}

// Watch adds sessionID to the sessions this peer follows.
func (p *Peer) Watch(sessionID string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	p.watched[sessionID] = struct{}{}
	p.mu.Unlock()
}

// Unwatch removes sessionID from the sessions this peer follows.
func (p *Peer) Unwatch(sessionID string) {
	p.mu.Lock()
	delete(p.watched, sessionID)
	p.mu.Unlock()
}

// Watches reports whether session-scoped frames for sessionID reach this
// peer. A peer watching nothing receives every session.
func (p *Peer) Watches(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.watched) == 0 {
		return true
	}
	_, ok := p.watched[sessionID]
	return ok
}

// Done is closed once the peer is disconnected.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close disconnects the peer. Queued frames are dropped.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.hub.remove(p)
		if p.onClose != nil {
			p.onClose()
		}
	})
}

func (p *Peer) run() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.queue:
			select {
			case <-p.done:
				return
			default:
			}
			if err := p.write(frame); err != nil {
				p.hub.logger.Debug().Err(err).Uint64("peer", p.id).Msg("peer write failed")
				p.Close()
				return
			}
		}
	}
}
