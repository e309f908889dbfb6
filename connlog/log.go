// Package connlog keeps the diagnostic log of a connection.
//
// The log is separate from the process log: its entries are returned to
// users through the retrieve-logs command. It holds at most Capacity
// entries, forgets entries older than Retention and records successes
// only while the logging window is open. Failures are always recorded.
package connlog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/raujonas/ditto/connection"
)

// Config configures a [Log].
type Config struct {
	// Capacity is the maximum number of entries kept (default: 100).
	Capacity int
	// Retention drops entries older than this on read (default: 24h).
	Retention time.Duration
	// MaxBytes bounds the encoded size of a report (default: 250000).
	MaxBytes int
	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

func (c Config) parse() Config {
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 250_000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Log is a bounded ring of [connection.LogEntry]. It is safe for
// concurrent use.
type Log struct {
	cfg Config

	mu           sync.Mutex
	entries      []connection.LogEntry
	next         int
	full         bool
	enabledSince time.Time
	enabledUntil time.Time
}

// New returns an empty log with logging disabled.
func New(cfg Config) *Log {
	cfg = cfg.parse()
	return &Log{
		cfg:     cfg,
		entries: make([]connection.LogEntry, cfg.Capacity),
	}
}

// Enable opens the logging window for d. Enabling an open window extends it.
func (l *Log) Enable(d time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	if !l.enabledLocked(now) {
		l.enabledSince = now
	}
	l.enabledUntil = now.Add(d)
	return l.enabledUntil
}

// Disable closes the logging window.
func (l *Log) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabledSince = time.Time{}
	l.enabledUntil = time.Time{}
}

// Enabled reports whether the logging window is open.
func (l *Log) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabledLocked(l.cfg.Now())
}

// EnabledUntil returns the end of the logging window, or the zero time.
func (l *Log) EnabledUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabledUntil
}

// CheckActive closes the window if it ended before at. It reports whether
// logging is still enabled.
func (l *Log) CheckActive(at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabledUntil.IsZero() {
		return false
	}
	if !at.Before(l.enabledUntil) {
		l.enabledSince = time.Time{}
		l.enabledUntil = time.Time{}
		return false
	}
	return true
}

func (l *Log) enabledLocked(now time.Time) bool {
	return !l.enabledUntil.IsZero() && now.Before(l.enabledUntil)
}

// Success records a successful operation if logging is enabled.
func (l *Log) Success(category, message, address, correlationID string) {
	l.record(connection.LogSuccess, category, message, address, correlationID)
}

// Failure records a failed operation.
func (l *Log) Failure(category, message, address, correlationID string) {
	l.record(connection.LogFailure, category, message, address, correlationID)
}

func (l *Log) record(level connection.LogLevel, category, message, address, correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	if level == connection.LogSuccess && !l.enabledLocked(now) {
		return
	}
	l.entries[l.next] = connection.LogEntry{
		Time:          now,
		Level:         level,
		Category:      category,
		Message:       message,
		Address:       address,
		CorrelationID: correlationID,
	}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []connection.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.cfg.Now().Add(-l.cfg.Retention)

	var ordered []connection.LogEntry
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)

	out := make([]connection.LogEntry, 0, len(ordered))
	for _, e := range ordered {
		if e.Time.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clear removes all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.next = 0
	l.full = false
}

// Report returns the retained entries truncated to MaxBytes together with
// the logging window.
func (l *Log) Report() *connection.LogsReport {
	r := &connection.LogsReport{Entries: Truncate(l.Entries(), l.cfg.MaxBytes)}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabledLocked(l.cfg.Now()) {
		since, until := l.enabledSince, l.enabledUntil
		r.EnabledSince = &since
		r.EnabledUntil = &until
	}
	return r
}

// Truncate keeps the newest entries whose JSON encoding fits into maxBytes.
// entries must be ordered oldest first.
func Truncate(entries []connection.LogEntry, maxBytes int) []connection.LogEntry {
	size := 0
	i := len(entries)
	for i > 0 {
		b, err := json.Marshal(entries[i-1])
		if err != nil {
			break
		}
		if size+len(b) > maxBytes {
			break
		}
		size += len(b)
		i--
	}
	return entries[i:]
}
