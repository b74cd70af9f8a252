// Package audit keeps an append-only, hash-chained record of governance
// decisions: status transitions, executions, compensations and
// announcements.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrChainBroken = errors.New("decision chain is broken")
	ErrNotFound    = errors.New("entry not found")
)

// EntryType categorizes ledger entries.
type EntryType string

const (
	EntryTransition         EntryType = "transition"
	EntryExecution          EntryType = "execution"
	EntryCompensation       EntryType = "compensation"
	EntryCompensationFailed EntryType = "compensation_failed"
	EntryNotification       EntryType = "notification"
)

const genesis = "genesis"

// Entry is one immutable ledger record. Subject is the proposal id.
type Entry struct {
	ID           string            `json:"id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Type         EntryType         `json:"type"`
	Subject      string            `json:"subject"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	Hash         string            `json:"hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Recorder is the write side used by the engine and executor.
type Recorder interface {
	Append(t EntryType, subject, action string, payload any, metadata map[string]string) (*Entry, error)
}

// Handler observes appended entries.
type Handler func(e *Entry)

// Ledger is an in-memory hash-chained decision log. Payloads are hashed in
// RFC 8785 canonical form so equal decisions hash equally regardless of key
// order.
type Ledger struct {
	mu       sync.RWMutex
	entries  []*Entry
	byID     map[string]*Entry
	head     string
	handlers []Handler
	clock    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byID:  make(map[string]*Entry),
		head:  genesis,
		clock: time.Now,
	}
}

// WithClock overrides the time source for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

var _ Recorder = (*Ledger)(nil)

// Append adds an entry at the chain head.
func (l *Ledger) Append(t EntryType, subject, action string, payload any, metadata map[string]string) (*Entry, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	l.mu.Lock()
	e := &Entry{
		ID:           uuid.NewString(),
		Sequence:     uint64(len(l.entries)) + 1,
		Timestamp:    l.clock().UTC(),
		Type:         t,
		Subject:      subject,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  digest(canonical),
		PreviousHash: l.head,
		Metadata:     metadata,
	}
	h, err := entryHash(e)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	e.Hash = h
	l.head = h
	l.entries = append(l.entries, e)
	l.byID[e.ID] = e
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(e)
	}
	return e, nil
}

func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e *Entry) (string, error) {
	b, err := canonicalJSON(struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         EntryType `json:"type"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Type, e.Subject, e.Action, e.PayloadHash, e.PreviousHash})
	if err != nil {
		return "", fmt.Errorf("hash entry %d: %w", e.Sequence, err)
	}
	return digest(b), nil
}

// Get returns the entry with id.
func (l *Ledger) Get(id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Head returns the hash of the latest entry, or "genesis".
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe registers h for every subsequent Append.
func (l *Ledger) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Filter selects entries in Query. Zero fields match anything.
type Filter struct {
	Type    EntryType
	Subject string
	Since   *time.Time
	Limit   int
}

func (f Filter) matches(e *Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// Query returns matching entries in append order.
func (l *Ledger) Query(f Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range l.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Verify recomputes every payload and entry hash and checks the links.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesis
	for i, e := range l.entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, i, e.PreviousHash, prev)
		}
		if digest(e.Payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		h, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChainBroken, err)
		}
		if h != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)", ErrChainBroken, i, h, e.Hash)
		}
		prev = e.Hash
	}
	return nil
}
