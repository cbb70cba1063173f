// Package handler runs the per-connection turn loop (spec.md §4.6): read a
// request frame, evaluate policy, fetch or deny, write a response frame,
// emit exactly one audit record, and loop. It owns the bounded in-flight
// fetch pool shared across every connection (spec.md §4.6, §5).
package handler

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/OllieNilsen/pexi/pkg/audit"
	"github.com/OllieNilsen/pexi/pkg/errs"
	"github.com/OllieNilsen/pexi/pkg/fetch"
	"github.com/OllieNilsen/pexi/pkg/metrics"
	"github.com/OllieNilsen/pexi/pkg/policy"
	"github.com/OllieNilsen/pexi/pkg/wire"
)

// maxFrameOverhead bounds how much larger than the configured request cap a
// frame is allowed to be, accounting for JSON/base64/header overhead
// (spec.md §6.2 framing is separate from the body-byte cap in §4.3).
const maxFrameOverhead = 64 * 1024

// DefaultMaxInFlight is the default bound on concurrent fetches across all
// connections (spec.md §4.6 "default 16").
const DefaultMaxInFlight = 16

// DefaultTurnTimeout bounds the fetch phase of one turn, from pool slot
// acquisition to the fetcher's return (spec.md §5 "default 30s").
const DefaultTurnTimeout = 30 * time.Second

// Handler serves connections speaking the wire protocol. One Handler is
// shared by every accepted connection; its policy reference may be swapped
// between turns by Reload (spec.md §6.4, §9 "Shared mutable policy").
type Handler struct {
	doc     atomic.Pointer[policy.Document]
	fetcher *fetch.Fetcher
	sink    *audit.Sink
	metrics *metrics.Metrics
	pool    chan struct{}
	log     *log.Logger
	turnTTL time.Duration
	connSeq atomic.Uint64
}

// New builds a Handler. maxInFlight<=0 selects DefaultMaxInFlight. m may be
// nil, in which case turns are not recorded as Prometheus observations
// (tests have no metrics registry to report to).
func New(doc *policy.Document, fetcher *fetch.Fetcher, sink *audit.Sink, m *metrics.Metrics, maxInFlight int, logger *log.Logger) *Handler {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[HANDLER] ", log.LstdFlags|log.Lmicroseconds)
	}
	h := &Handler{
		fetcher: fetcher,
		sink:    sink,
		metrics: m,
		pool:    make(chan struct{}, maxInFlight),
		log:     logger,
		turnTTL: DefaultTurnTimeout,
	}
	h.doc.Store(doc)
	return h
}

// Reload atomically installs doc as the active policy for every subsequent
// turn; in-flight turns keep the reference they captured at turn start
// (spec.md §5 "handlers capture a reference at turn start and never re-read").
func (h *Handler) Reload(doc *policy.Document) {
	h.doc.Store(doc)
	h.log.Printf("policy reloaded: fingerprint=%s hosts=%d", doc.Fingerprint(), len(doc.AllowedHosts))
}

// Serve accepts connections from ln until ctx is canceled. Per spec.md §6.1
// the transport is implementation-chosen; Serve works identically over a
// Unix domain socket or a TCP listener, matching the original's vsock/TCP
// duality without any platform-specific code.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		connID := h.connSeq.Add(1)
		go h.handleConn(ctx, conn, connID)
	}
}

// handleConn runs the turn loop for one connection. A panic anywhere in a
// turn — policy evaluation, fetch execution — is contained here: logged,
// the connection closed, other connections unaffected (spec.md §4.6).
func (h *Handler) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			h.log.Printf("conn %d: panic recovered, closing connection: %v\n%s", connID, r, debug.Stack())
		}
	}()

	maxFrame := uint32(h.doc.Load().MaxRequestBytes + maxFrameOverhead)

	for {
		payload, err := wire.ReadFrame(conn, maxFrame)
		if err != nil {
			if !isCleanClose(err) {
				h.log.Printf("conn %d: frame read failed, closing: %v", connID, err)
			}
			return
		}
		h.runTurn(ctx, conn, connID, payload)
	}
}

// runTurn executes exactly one Idle -> ... -> Idle cycle and always emits
// one audit record, whatever the outcome (spec.md §4.6, §8 invariant).
func (h *Handler) runTurn(ctx context.Context, conn net.Conn, connID uint64, payload []byte) {
	start := time.Now()
	doc := h.doc.Load()

	req, err := wire.DecodeRequest(payload)
	if err != nil {
		h.respond(conn, connID, wire.ErrorResponse(string(errs.CodeInvalidFrame), "request did not decode"),
			audit.Entry{Decision: "deny", Reason: string(errs.CodeInvalidFrame), ElapsedMS: elapsedMS(start)})
		h.recordMetrics("deny", string(errs.CodeInvalidFrame), start)
		return
	}

	bodyLen := 0
	if b, err := req.Body(); err != nil {
		h.respond(conn, connID, wire.ErrorResponse(string(errs.CodeInvalidFrame), "body_base64 did not decode"),
			audit.Entry{Decision: "deny", Reason: string(errs.CodeInvalidFrame), Method: req.Method, ElapsedMS: elapsedMS(start)})
		h.recordMetrics("deny", string(errs.CodeInvalidFrame), start)
		return
	} else {
		bodyLen = len(b)
	}

	decision := policy.Evaluate(doc, policy.Descriptor{
		Method:          req.Method,
		URL:             req.URL,
		DeclaredBodyLen: int64(bodyLen),
	})

	host := hostOf(req.URL)

	if !decision.Allow {
		h.respond(conn, connID, wire.ErrorResponse(decision.ReasonCode, decision.ReasonMessage), audit.Entry{
			Decision: "deny", Reason: decision.ReasonCode, Method: req.Method, Host: host, Path: req.URL,
			ReqBytes: uint64(bodyLen), ElapsedMS: elapsedMS(start), PolicyFP: decision.PolicyFingerprint,
		})
		h.recordMetrics("deny", decision.ReasonCode, start)
		return
	}

	h.runFetch(ctx, conn, connID, req, decision, doc, host, bodyLen, start)
}

// runFetch acquires a pool slot, executes the request, and watches the
// connection for a client disconnect while the upstream call is in flight
// (spec.md §4.6 "cancellation ... aborts the upstream request and still
// emits an audit record with client_aborted").
func (h *Handler) runFetch(ctx context.Context, conn net.Conn, connID uint64, req wire.Request, decision policy.Decision, doc *policy.Document, host string, bodyLen int, start time.Time) {
	select {
	case h.pool <- struct{}{}:
	case <-ctx.Done():
		h.respond(conn, connID, wire.ErrorResponse(string(errs.CodeInternal), "server shutting down"), audit.Entry{
			Decision: "deny", Reason: string(errs.CodeInternal), Method: req.Method, Host: host,
			Path: req.URL, ReqBytes: uint64(bodyLen), ElapsedMS: elapsedMS(start), PolicyFP: decision.PolicyFingerprint,
		})
		h.recordMetrics("deny", string(errs.CodeInternal), start)
		return
	}
	defer func() { <-h.pool }()

	if h.metrics != nil {
		h.metrics.InFlight.Inc()
		defer h.metrics.InFlight.Dec()
	}

	turnCtx, cancel := context.WithTimeout(ctx, h.turnTTL)
	defer cancel()

	aborted := make(chan struct{})
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go watchForDisconnect(conn, cancel, aborted, stop, stopped)

	outcome := h.fetcher.Execute(turnCtx, req, decision.Obligations, doc)
	close(stop)
	<-stopped // wait for the watcher to clear its read deadline before the next frame read

	select {
	case <-aborted:
		outcome = fetch.Outcome{
			Response:  wire.ErrorResponse(string(errs.CodeClientAborted), "connection closed during fetch"),
			ErrorCode: string(errs.CodeClientAborted),
		}
	default:
	}

	decisionLabel := "allow"
	reason := ""
	if outcome.ErrorCode != "" {
		decisionLabel = "deny"
		reason = outcome.ErrorCode
	}

	h.respond(conn, connID, outcome.Response, audit.Entry{
		Decision: decisionLabel, Reason: reason, Method: req.Method, Host: host,
		Path: req.URL, ReqBytes: uint64(bodyLen), RespBytes: outcome.RespBytes,
		Status: uint16(outcome.Status), ElapsedMS: elapsedMS(start), PolicyFP: decision.PolicyFingerprint,
	})
	h.recordMetrics(decisionLabel, reason, start)
}

// recordMetrics is a no-op when the Handler was built without a metrics
// registry (tests).
func (h *Handler) recordMetrics(decision, reason string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordTurn(decision, reason, time.Since(start).Seconds())
}

// respond writes the response frame (logging but not fatal on write
// failure — the connection is already in a bad state and will be dropped
// on the next read) and always writes the audit record.
func (h *Handler) respond(conn net.Conn, connID uint64, resp wire.Response, entry audit.Entry) {
	payload, err := wire.EncodeResponse(resp)
	if err != nil {
		h.log.Printf("conn %d: response did not encode: %v", connID, err)
	} else if err := wire.WriteFrame(conn, payload); err != nil {
		h.log.Printf("conn %d: response write failed: %v", connID, err)
	}
	h.sink.Write(entry)
}

// watchForDisconnect polls conn for closure while a fetch is in flight. Any
// bytes read are out-of-protocol (no pipelining, spec.md §5) and are
// discarded rather than corrupting the next turn's frame. It alone owns
// conn's read deadline for the duration of the watch and always clears it
// before returning, so the caller can safely start the next frame read the
// moment stopped is closed.
func watchForDisconnect(conn net.Conn, cancel context.CancelFunc, aborted chan struct{}, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(25 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			continue
		}
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		close(aborted)
		cancel()
		return
	}
}

func elapsedMS(start time.Time) uint64 {
	return uint64(time.Since(start).Milliseconds())
}

func isCleanClose(err error) bool {
	return err == io.EOF
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
