// Package audit writes the append-only, line-delimited JSON audit trail
// (spec.md §4.5). It is the only contended lock in steady state (spec.md §5):
// every turn serializes through one writer mutex before it touches the file.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxWriteRetries bounds the I/O retry loop before the sink gives up and
// panics (spec.md §4.5 "retries a bounded number of times, then panics the
// process: silent loss of audit is a critical failure mode").
const maxWriteRetries = 3

// Sink is an append-only JSONL writer with a strictly monotonic sequence
// counter. One Sink outlives every connection in the process (spec.md §9
// "Cyclic references & lifetimes": the audit sink is the only shared owner).
type Sink struct {
	path string
	log  *log.Logger

	mu   sync.Mutex
	file *os.File
	seq  atomic.Uint64
}

// Open opens (or creates) path in append mode. The file is never truncated
// for the life of the Sink (spec.md §4.5(i) append-only).
func Open(path string, logger *log.Logger) (*Sink, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[AUDIT] ", log.LstdFlags|log.Lmicroseconds)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Sink{path: path, log: logger, file: f}, nil
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Entry is the set of fields the connection handler has by the time a turn
// is finalized; Sink fills in seq, ts, and the redacted path digest.
type Entry struct {
	Decision  string
	Reason    string
	Method    string
	Host      string
	Path      string // raw request URL or path; only its sanitized path is hashed, never stored verbatim
	ReqBytes  uint64
	RespBytes uint64
	Status    uint16
	ElapsedMS uint64
	PolicyFP  string
}

// Write appends one audit record. It assigns the next sequence number,
// hashes the path, and serializes before taking the write lock so the
// critical section is pure I/O.
func (s *Sink) Write(e Entry) {
	record := Record{
		Seq:        s.seq.Add(1),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Decision:   e.Decision,
		Reason:     e.Reason,
		Method:     e.Method,
		Host:       e.Host,
		PathSHA256: hashPath(e.Path),
		ReqBytes:   e.ReqBytes,
		RespBytes:  e.RespBytes,
		Status:     e.Status,
		ElapsedMS:  e.ElapsedMS,
		PolicyFP:   e.PolicyFP,
	}

	line, err := json.Marshal(record)
	if err != nil {
		// A Record with only the fields above always marshals; treat
		// failure as internal and fatal rather than silently dropping it.
		s.log.Panicf("audit record did not marshal: %v", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	var writeErr error
	written := false
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		// A line that was already appended is not written again when only
		// the sync failed, so a retry never duplicates a record.
		if !written {
			if _, writeErr = s.file.Write(line); writeErr == nil {
				written = true
			}
		}
		if written {
			// Every write is fsynced before it's considered durable
			// (spec.md §4.5 default cadence): an acknowledged write that
			// is only sitting in the page cache is still losable on crash.
			if writeErr = s.file.Sync(); writeErr == nil {
				return
			}
		}
		s.log.Printf("audit write attempt %d failed: %v", attempt+1, writeErr)
	}
	// Exhausted retries: per spec.md §4.5, silent audit loss is worse than
	// a crash. The process-level handler is expected to let this panic
	// terminate the process (unlike a fetcher/handler panic, which must not).
	s.log.Panicf("audit sink exhausted %d retries writing to %s: %v", maxWriteRetries, s.path, writeErr)
}

// hashPath strips query and fragment (never logged, spec.md §4.5(v) and
// the original's sanitize_url) and SHA-256-hashes the remaining path.
func hashPath(raw string) string {
	path := sanitizePath(raw)
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// sanitizePath strips query/fragment whether or not raw parses as a URL,
// mirroring the original's string-level fallback (sanitize_url_string) for
// inputs that fail url.Parse entirely.
func sanitizePath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	trimmed := strings.SplitN(raw, "#", 2)[0]
	trimmed = strings.SplitN(trimmed, "?", 2)[0]
	return trimmed
}
