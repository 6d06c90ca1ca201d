// Package audit keeps an append-only, hash-chained record of engine actions.
// Each entry carries the SHA-256 of its predecessor, so any in-place edit or
// deletion breaks verification from that point on.
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
)

// genesisHash anchors the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken is returned by Verify when an entry's recorded digest does
// not match its recomputed one, or the predecessor link is wrong.
var ErrChainBroken = errors.New("audit chain broken")

// Entry is one immutable audit record.
type Entry struct {
	EntryID    string         `json:"entry_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   string         `json:"category"`
	Action     string         `json:"action"`
	Subject    string         `json:"subject,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	PrevDigest string         `json:"prev_digest"`
	Digest     string         `json:"digest"`
}

// Log is the in-memory chain. Entries are bounded; the digest chain survives
// eviction because each retained entry still links to its true predecessor.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	last    string
	cap     int
}

// NewLog creates a chain bounded to cap entries (0 means 10000).
func NewLog(cap int) *Log {
	if cap <= 0 {
		cap = 10000
	}
	return &Log{last: genesisHash, cap: cap}
}

// Append adds an entry and returns it with its digest filled in.
func (l *Log) Append(category, action, subject string, detail map[string]any) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:    uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Category:   category,
		Action:     action,
		Subject:    subject,
		Detail:     detail,
		PrevDigest: l.last,
	}
	entry.Digest = digestOf(&entry)
	l.last = entry.Digest

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	return entry
}

// Entries returns a copy of the retained chain, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the retained entry count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify recomputes every retained digest and checks the predecessor links.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		entry := l.entries[i]
		if digestOf(&entry) != entry.Digest {
			return fmt.Errorf("%w: entry %s digest mismatch", ErrChainBroken, entry.EntryID)
		}
		if i > 0 && entry.PrevDigest != l.entries[i-1].Digest {
			return fmt.Errorf("%w: entry %s predecessor link mismatch", ErrChainBroken, entry.EntryID)
		}
	}
	return nil
}

// digestOf hashes the entry's canonical JSON form with Digest zeroed.
func digestOf(entry *Entry) string {
	shadow := *entry
	shadow.Digest = ""
	raw, err := json.Marshal(shadow)
	if err != nil {
		// Entry fields are JSON-safe by construction.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
