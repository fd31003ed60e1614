// Package journal keeps an append-only record of timing-line crossings and
// how each one was attributed.
//
// The journal is diagnostic: driver state is never rebuilt from it. Entries
// are msgpack values in Badger under crossing/<session>/<unix ms>/<id>, so a
// prefix scan replays one session in crossing order. Session ids that are
// empty or contain a slash are keyed under "_"; the entry keeps the id as
// received.
package journal

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/segmentio/ksuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	entityPrefix = "crossing"
	// unattributedSession keys crossings that matched no session.
	unattributedSession = "_"
	// OutcomeAccepted marks a crossing counted as a lap.
	OutcomeAccepted = "accepted"
)

// Entry is one recorded crossing.
type Entry struct {
	ID          string        `msgpack:"id"`
	SessionID   string        `msgpack:"session_id"`
	RaceID      string        `msgpack:"race_id"`
	DriverID    string        `msgpack:"driver_id"`
	Transponder string        `msgpack:"transponder"`
	CrossedAt   time.Time     `msgpack:"crossed_at"`
	ReceivedAt  time.Time     `msgpack:"received_at"`
	Outcome     string        `msgpack:"outcome"`
	LapCount    int           `msgpack:"lap_count"`
	LapTime     time.Duration `msgpack:"lap_time"`
}

// Accepted reports whether the crossing counted as a lap.
func (e Entry) Accepted() bool {
	return e.Outcome == OutcomeAccepted
}

// Journal appends and replays crossing entries.
type Journal struct {
	db *badger.DB
}

// Open opens a journal under dir. An empty dir keeps the journal in memory.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if strings.TrimSpace(dir) == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records one crossing and returns it with its assigned id.
func (j *Journal) Append(entry Entry) (Entry, error) {
	if j == nil || j.db == nil {
		return Entry{}, fmt.Errorf("journal is not configured")
	}
	if entry.ID == "" {
		entry.ID = ksuid.New().String()
	}
	if entry.SessionID == "" {
		entry.SessionID = unattributedSession
	}
	entry.CrossedAt = entry.CrossedAt.UTC()
	entry.ReceivedAt = entry.ReceivedAt.UTC()

	buf, err := msgpack.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal crossing: %w", err)
	}
	key := buildKey(keySession(entry.SessionID), entry.CrossedAt, entry.ID)
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	}); err != nil {
		return Entry{}, fmt.Errorf("write crossing: %w", err)
	}
	return entry, nil
}

// List returns the crossings of a session in crossing order. An empty
// session id lists crossings that matched no session.
func (j *Journal) List(sessionID string) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if strings.Contains(sessionID, "/") {
		return nil, nil
	}
	prefix := sessionPrefix(sessionID)
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list crossings: %w", err)
	}
	return entries, nil
}

// DropSession deletes every crossing of a session.
func (j *Journal) DropSession(sessionID string) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal is not configured")
	}
	if strings.Contains(sessionID, "/") {
		return nil
	}
	if err := j.db.DropPrefix(sessionPrefix(sessionID)); err != nil {
		return fmt.Errorf("drop session crossings: %w", err)
	}
	return nil
}

// keySession is the key segment for a session id. Ids that cannot form a
// single segment share the unattributed prefix.
func keySession(sessionID string) string {
	if sessionID == "" || strings.Contains(sessionID, "/") {
		return unattributedSession
	}
	return sessionID
}

func sessionPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", entityPrefix, keySession(sessionID)))
}

// Millisecond timestamps are zero padded so lexical key order is time order.
func buildKey(sessionID string, crossedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%016d/%s", entityPrefix, sessionID, crossedAt.UnixMilli(), id))
}
