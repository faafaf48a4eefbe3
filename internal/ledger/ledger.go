// Package ledger implements the per-invocation host-state side-effect
// accumulator (C2): pending workspace writes, emitted messages, log
// entries, and the HTTP rate-limit windows for exactly one WASM guest
// call. A Ledger is owned by a single invocation and is never shared
// across calls; the host drains it atomically on success and discards it
// wholesale on failure.
package ledger

import (
	"sync"
	"time"
)

// MaxEmitsPerInvocation is the hard cap on emitted messages per guest call.
const MaxEmitsPerInvocation = 100

// TruncationMarker is appended to message content that exceeded its
// capability's max size.
const TruncationMarker = "… (truncated)"

// MaxLogEntries bounds the in-memory log ring; oldest entries are dropped
// once the cap is reached.
const MaxLogEntries = 200

// EmittedMessage is one outbound message queued by emit_message.
type EmittedMessage struct {
	UserID        string
	UserName      string
	Content       string
	ThreadID      string
	MetadataJSON  string
	EmittedAtMs   int64
}

// WorkspaceWrite is one pending write queued by workspace_write. Path is
// already namespace-prefixed by the capability's workspace validation.
type WorkspaceWrite struct {
	Path    string
	Content string
}

// LogEntry is one log line captured via the host ABI's log import.
type LogEntry struct {
	Level       string
	Message     string
	TimestampMs int64
}

// rateWindow tracks a fixed-duration rolling counter.
type rateWindow struct {
	count      int
	windowOpen int64 // ms since epoch
}

func (w *rateWindow) checkAndRecord(nowMs int64, limit int, durationMs int64) bool {
	if limit <= 0 {
		// zero/unset limit means unlimited for that window
		return true
	}
	if w.windowOpen == 0 || nowMs-w.windowOpen > durationMs {
		w.windowOpen = nowMs
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Ledger is the per-invocation side-effect accumulator. All methods are
// safe for concurrent use by the handful of host ABI goroutines that may
// serve a single guest call, though in practice a guest instance runs
// single-threaded.
type Ledger struct {
	mu sync.Mutex

	pendingWrites   []WorkspaceWrite
	emitted         []EmittedMessage
	emitEnabled     bool
	emitsDropped    int
	logs            []LogEntry
	httpPerMinute   rateWindow
	httpPerHour     rateWindow
	maxMessageSize  int
}

// New creates a Ledger for one invocation. maxMessageSize bounds emitted
// message content (SPEC_FULL.md §4.2); pass 0 to use the ceiling default.
func New(maxMessageSize int) *Ledger {
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &Ledger{
		emitEnabled:    true,
		maxMessageSize: maxMessageSize,
	}
}

// EmitMessage appends msg to the pending outbound queue. It always
// "succeeds" from the guest's point of view: once the per-invocation cap
// is reached the latch flips off and further emits are silently dropped
// (counted in emits_dropped), never failing the invocation.
func (l *Ledger) EmitMessage(msg EmittedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(msg.Content) > l.maxMessageSize {
		msg.Content = msg.Content[:l.maxMessageSize] + TruncationMarker
	}

	if !l.emitEnabled {
		l.emitsDropped++
		return
	}
	if len(l.emitted) >= MaxEmitsPerInvocation {
		l.emitEnabled = false
		l.emitsDropped++
		return
	}
	l.emitted = append(l.emitted, msg)
}

// WorkspaceWrite queues a write for the path already validated (and
// prefixed) by the capability layer. The caller is responsible for having
// called capability.ValidateWorkspacePath first; this method never
// performs its own validation since the ledger has no capability
// reference.
func (l *Ledger) WorkspaceWrite(prefixedPath, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingWrites = append(l.pendingWrites, WorkspaceWrite{Path: prefixedPath, Content: content})
}

// Log appends a bounded log entry, dropping the oldest once MaxLogEntries
// is reached.
func (l *Ledger) Log(level, message string, nowMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.logs) >= MaxLogEntries {
		l.logs = l.logs[1:]
	}
	l.logs = append(l.logs, LogEntry{Level: level, Message: message, TimestampMs: nowMs})
}

// RecordHTTPRequest checks and increments both the per-minute and
// per-hour rolling windows, returning false if either is exhausted.
func (l *Ledger) RecordHTTPRequest(nowMs int64, perMinute, perHour int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Both windows must accept, but only commit the increment for a
	// window whose limit is not yet hit; check-then-record is done on a
	// saved snapshot so a minute-exhausted request never partially
	// increments the hour window.
	minuteOK := canAccept(&l.httpPerMinute, nowMs, perMinute, int64(time.Minute/time.Millisecond))
	hourOK := canAccept(&l.httpPerHour, nowMs, perHour, int64(time.Hour/time.Millisecond))
	if !minuteOK || !hourOK {
		return false
	}
	l.httpPerMinute.checkAndRecord(nowMs, perMinute, int64(time.Minute/time.Millisecond))
	l.httpPerHour.checkAndRecord(nowMs, perHour, int64(time.Hour/time.Millisecond))
	return true
}

func canAccept(w *rateWindow, nowMs int64, limit int, durationMs int64) bool {
	if limit <= 0 {
		return true
	}
	count := w.count
	if w.windowOpen == 0 || nowMs-w.windowOpen > durationMs {
		count = 0
	}
	return count < limit
}

// EmitsDropped reports the number of emit attempts silently dropped after
// the per-invocation cap was reached.
func (l *Ledger) EmitsDropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emitsDropped
}

// TakeWorkspaceWrites drains and returns pending writes in insertion
// order. Intended to be called exactly once, by the host, after a
// successful invocation.
func (l *Ledger) TakeWorkspaceWrites() []WorkspaceWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	writes := l.pendingWrites
	l.pendingWrites = nil
	return writes
}

// TakeEmittedMessages drains and returns emitted messages in insertion
// order.
func (l *Ledger) TakeEmittedMessages() []EmittedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.emitted
	l.emitted = nil
	return msgs
}

// TakeLogEntries drains and returns captured log entries in insertion
// order.
func (l *Ledger) TakeLogEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.logs
	l.logs = nil
	return entries
}

// Discard clears all accumulated state without returning it, used when an
// invocation fails and its ledger must not be applied.
func (l *Ledger) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingWrites = nil
	l.emitted = nil
	l.logs = nil
}
