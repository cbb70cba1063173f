// Package fetch executes an allowed request against the public network
// (spec.md §4.4). It owns the only outbound sockets the process opens: every
// dial goes through the Address Guard, every response byte goes through a
// cap-enforcing reader, and every redirect hop is re-run through the Policy
// Engine and Address Guard before the fetcher follows it.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/OllieNilsen/pexi/pkg/addrguard"
	"github.com/OllieNilsen/pexi/pkg/errs"
	"github.com/OllieNilsen/pexi/pkg/policy"
	"github.com/OllieNilsen/pexi/pkg/wire"
)

// hopByHop is stripped from every forwarded request (spec.md §6.3).
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
	"host":              true,
}

// crossOriginSensitive is stripped when a redirect crosses origin (spec.md §6.3).
var crossOriginSensitive = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

func isHopByHop(name string) bool {
	lower := strings.ToLower(name)
	if hopByHop[lower] {
		return true
	}
	return strings.HasPrefix(lower, "proxy-")
}

// Fetcher executes allowed requests. One Fetcher is shared across every
// connection; its Transport pools connections the same way the relay
// examples this codebase is descended from do (spec.md §5: per-connection
// resources are cheap, the transport is not).
type Fetcher struct {
	guard          *addrguard.Guard
	transport      http.RoundTripper
	connectTimeout time.Duration
	requestTimeout time.Duration
	userAgent      string
	log            *log.Logger
}

// Config controls timeouts and identity for a Fetcher.
type Config struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	UserAgent      string
}

// New builds a Fetcher whose Transport dials exclusively through guard, so
// every connection attempt — including ones opened mid-redirect — is
// address-checked (spec.md §4.2, §4.4).
func New(guard *addrguard.Guard, cfg Config) *Fetcher {
	transport := &http.Transport{
		DialContext:         guard.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		// The fetcher decodes compressed bodies itself so it can enforce
		// the cap and the bomb ratio guard while streaming (spec.md §4.4);
		// the stdlib's automatic gzip handling would buffer first.
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return NewWithTransport(guard, cfg, transport)
}

// NewWithTransport builds a Fetcher against an explicit http.RoundTripper,
// bypassing the pooled-Transport default. Production code should use New;
// this exists so tests (and alternative deployments with their own
// connection pooling) can substitute a transport while still exercising the
// Address Guard check that runs ahead of every RoundTrip call.
func NewWithTransport(guard *addrguard.Guard, cfg Config, transport http.RoundTripper) *Fetcher {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pep-gateway/1"
	}
	return &Fetcher{
		guard:          guard,
		transport:      transport,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
		userAgent:      cfg.UserAgent,
		log:            log.New(os.Stderr, "[FETCH] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// Outcome is everything the connection handler needs to build a response
// frame and an audit record.
type Outcome struct {
	Response     wire.Response
	Status       int
	ReqBytes     uint64
	RespBytes    uint64
	RedirectHops int
	ErrorCode    string
}

// Execute runs req under the effective caps obl, which the policy engine
// computed for the initial request. doc and guard are consulted again on
// every redirect hop.
func (f *Fetcher) Execute(ctx context.Context, req wire.Request, obl policy.Obligations, doc *policy.Document) Outcome {
	body, err := req.Body()
	if err != nil {
		return errOutcome(errs.CodeInvalidFrame, "body_base64 did not decode")
	}

	currentURL := req.URL
	currentMethod := req.Method
	currentBody := body
	headers := cloneHeaders(req.Headers)
	redirectsLeft := obl.RedirectCap
	reqBytes := uint64(len(body))

	originHost, originScheme, err := splitOrigin(currentURL)
	if err != nil {
		return errOutcome(errs.CodeInvalidURL, err.Error())
	}

	isFirstHop := true
	for {
		parsed, err := url.Parse(currentURL)
		if err != nil {
			return errOutcome(errs.CodeInvalidURL, "redirect target did not parse")
		}

		if err := f.guardHost(ctx, parsed.Hostname()); err != nil {
			// A hop beyond the first that fails the guard is a redirect
			// policy failure, not a bare SSRF denial (spec.md §4.4 step 2).
			code := errs.CodeSSRFBlocked
			if !isFirstHop {
				code = errs.CodeRedirectBlocked
			}
			return errOutcome(code, "address guard rejected host: "+err.Error())
		}
		isFirstHop = false

		reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
		httpReq, err := f.buildRequest(reqCtx, currentMethod, currentURL, headers, currentBody)
		if err != nil {
			cancel()
			return errOutcome(errs.CodeInvalidURL, "could not build upstream request: "+err.Error())
		}

		resp, err := f.transport.RoundTrip(httpReq)
		if err != nil {
			cancel()
			return errOutcome(classifyTransportErr(err), "upstream request failed: "+err.Error())
		}

		if isRedirect(resp.StatusCode) {
			resp.Body.Close()
			cancel()
			loc := resp.Header.Get("Location")
			if loc == "" {
				return errOutcome(errs.CodeUpstreamIO, "redirect without location")
			}
			nextURL, err := resolveRedirect(currentURL, loc)
			if err != nil {
				return errOutcome(errs.CodeRedirectBlocked, "redirect target invalid: "+err.Error())
			}

			redirectsLeft--
			if redirectsLeft < 0 {
				return errOutcome(errs.CodeRedirectBlocked, "redirect budget exhausted")
			}

			nextHost, nextScheme, err := splitOrigin(nextURL)
			if err != nil {
				return errOutcome(errs.CodeRedirectBlocked, err.Error())
			}
			if originScheme == "https" && nextScheme == "http" && !doc.AllowDowngrade {
				return errOutcome(errs.CodeRedirectBlocked, "https to http downgrade not permitted")
			}

			decision := policy.Evaluate(doc, policy.Descriptor{
				Method: currentMethod, URL: nextURL, DeclaredBodyLen: int64(len(currentBody)),
			})
			if !decision.Allow {
				return errOutcome(errs.CodeRedirectBlocked, "redirect target denied by policy: "+decision.ReasonMessage)
			}

			crossOrigin := nextHost != originHost
			if crossOrigin {
				headers = stripCrossOrigin(headers)
			}
			currentMethod, currentBody = rewriteForRedirect(resp.StatusCode, currentMethod, currentBody)
			if crossOrigin {
				// rewriteForRedirect only drops the body for 301/302/303;
				// a cross-origin 307/308 must drop it too, since it
				// preserves the body by design.
				currentBody = nil
			}
			f.log.Printf("redirect hop: %d -> %s (%s), %d left", resp.StatusCode, nextHost, currentMethod, redirectsLeft)
			currentURL = nextURL
			continue
		}

		outcome, err := f.readResponse(resp, obl.ResponseCap)
		cancel()
		outcome.ReqBytes = reqBytes
		outcome.RedirectHops = obl.RedirectCap - redirectsLeft
		if err != nil {
			return errOutcome(classifyReadErr(err), err.Error())
		}
		return outcome
	}
}

func (f *Fetcher) guardHost(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()
	_, err := f.guard.CheckHost(ctx, host)
	return err
}

func (f *Fetcher) buildRequest(ctx context.Context, method, rawURL string, headers []wire.HeaderPair, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		if isHopByHop(h.Name) {
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
	}
	return req, nil
}

// readResponse streams resp's body through the cap-enforcing decoder and
// builds the success Outcome, or an error classified from the failure.
func (f *Fetcher) readResponse(resp *http.Response, responseCap int64) (Outcome, error) {
	defer resp.Body.Close()

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	bounded, err := newBoundedReader(resp.Body, encoding, responseCap)
	if err != nil {
		return Outcome{}, errs.Wrap(errs.CodeUpstreamIO, "unsupported content-encoding", err)
	}

	decoded, err := readAllCapped(bounded, responseCap)
	if err != nil {
		switch err.(type) {
		case *capExceeded, *ratioExceeded:
			return Outcome{}, errs.Wrap(errs.CodeConstraintViolation, "response exceeded cap", err)
		}
		return Outcome{}, errs.Wrap(errs.CodeUpstreamIO, "reading response body", err)
	}

	var respHeaders []wire.HeaderPair
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			respHeaders = append(respHeaders, wire.HeaderPair{Name: name, Value: v})
		}
	}
	if respHeaders == nil {
		respHeaders = []wire.HeaderPair{}
	}

	envelope := wire.Response{Status: resp.StatusCode, Headers: respHeaders}
	envelope.SetBody(decoded)

	return Outcome{
		Response:  envelope,
		Status:    resp.StatusCode,
		RespBytes: uint64(len(decoded)),
	}, nil
}

func errOutcome(code errs.Code, message string) Outcome {
	return Outcome{
		Response:  wire.ErrorResponse(string(code), message),
		ErrorCode: string(code),
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// rewriteForRedirect applies the classic browser-compatible method rewrite:
// 301/302/303 collapse non-GET/HEAD methods to a bodyless GET; 307/308
// preserve method and body exactly (spec.md §4.4 step 3 area; RFC 7231 §6.4).
func rewriteForRedirect(status int, method string, body []byte) (string, []byte) {
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, body
	default:
		if method == http.MethodGet || method == http.MethodHead {
			return method, body
		}
		return http.MethodGet, nil
	}
}

func stripCrossOrigin(headers []wire.HeaderPair) []wire.HeaderPair {
	out := make([]wire.HeaderPair, 0, len(headers))
	for _, h := range headers {
		if crossOriginSensitive[strings.ToLower(h.Name)] {
			continue
		}
		out = append(out, h)
	}
	return out
}

func cloneHeaders(headers []wire.HeaderPair) []wire.HeaderPair {
	out := make([]wire.HeaderPair, len(headers))
	copy(out, headers)
	return out
}

func splitOrigin(rawURL string) (host, scheme string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("url did not parse: %w", err)
	}
	host = parsed.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("url missing host")
	}
	return strings.ToLower(host), strings.ToLower(parsed.Scheme), nil
}

func resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	target, err := baseURL.Parse(location)
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

func classifyTransportErr(err error) errs.Code {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errs.CodeUpstreamTimeout
	}
	if pe, ok := errs.As(err); ok {
		return pe.Code
	}
	var tlsErr tls.RecordHeaderError
	if strings.Contains(err.Error(), "tls") || asTLSError(err, &tlsErr) {
		return errs.CodeUpstreamTLS
	}
	return errs.CodeUpstreamIO
}

func asTLSError(err error, target *tls.RecordHeaderError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if rhe, ok := err.(tls.RecordHeaderError); ok {
			*target = rhe
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func classifyReadErr(err error) errs.Code {
	if pe, ok := errs.As(err); ok {
		return pe.Code
	}
	if err == io.ErrUnexpectedEOF {
		return errs.CodeUpstreamIO
	}
	return errs.CodeUpstreamIO
}
