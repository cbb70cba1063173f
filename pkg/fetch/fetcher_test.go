package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/OllieNilsen/pexi/pkg/addrguard"
	"github.com/OllieNilsen/pexi/pkg/errs"
	"github.com/OllieNilsen/pexi/pkg/policy"
	"github.com/OllieNilsen/pexi/pkg/wire"
)

// publicA and publicB are real unicast addresses used as literal-IP hosts so
// the Address Guard classifies them Public without a DNS round trip
// (addrguard.Guard.Resolve short-circuits literal IPs). They are never
// dialed: stubTransport intercepts every RoundTrip.
const (
	publicA = "93.184.216.34"
	publicB = "151.101.1.140"
)

// stubTransport answers RoundTrip from a fixed script keyed by request URL,
// so fetch behavior can be tested without any real network access.
type stubTransport struct {
	responses map[string]func(*http.Request) *http.Response
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fn, ok := s.responses[req.URL.String()]
	if !ok {
		return nil, &errs.Error{Code: errs.CodeUpstreamIO, Message: "no stub for " + req.URL.String()}
	}
	return fn(req), nil
}

func newTestFetcher(rt http.RoundTripper) *Fetcher {
	return NewWithTransport(addrguard.New(time.Second), Config{
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		UserAgent:      "test-agent",
	}, rt)
}

func plainResponse(status int, headers map[string]string, body string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func allowAllDoc(t *testing.T, cap int64) *policy.Document {
	t.Helper()
	doc := &policy.Document{
		AllowedHosts:     []string{publicA, publicB},
		MaxRequestBytes:  4096,
		MaxResponseBytes: cap,
		MaxRedirects:     5,
	}
	if err := doc.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return doc
}

func obligationsFor(doc *policy.Document) policy.Obligations {
	return policy.Obligations{RequestCap: doc.MaxRequestBytes, ResponseCap: doc.MaxResponseBytes, RedirectCap: doc.MaxRedirects}
}

func TestExecute_SimpleSuccess(t *testing.T) {
	url := "http://" + publicA + "/hello"
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		url: func(r *http.Request) *http.Response {
			return plainResponse(200, map[string]string{"Content-Type": "text/plain"}, "hi there")
		},
	}}
	f := newTestFetcher(rt)
	doc := allowAllDoc(t, 4096)

	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: url, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != "" {
		t.Fatalf("unexpected error: %s", out.ErrorCode)
	}
	if out.Status != 200 {
		t.Fatalf("status = %d, want 200", out.Status)
	}
	if out.Response.BodyBase64 == nil {
		t.Fatal("expected a body")
	}
}

func TestExecute_SSRFBlockedOnPrivateHost(t *testing.T) {
	f := newTestFetcher(&stubTransport{responses: map[string]func(*http.Request) *http.Response{}})
	doc := &policy.Document{AllowedHosts: []string{"10.0.0.5"}, MaxResponseBytes: 4096, MaxRedirects: 5}
	if err := doc.Normalize(); err != nil {
		t.Fatal(err)
	}
	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: "http://10.0.0.5/", Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != string(errs.CodeSSRFBlocked) {
		t.Fatalf("expected ssrf_blocked, got %s", out.ErrorCode)
	}
}

func TestExecute_RedirectFollowedAndReEvaluated(t *testing.T) {
	start := "http://" + publicA + "/start"
	target := "http://" + publicB + "/end"
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		start: func(r *http.Request) *http.Response {
			return plainResponse(302, map[string]string{"Location": target}, "")
		},
		target: func(r *http.Request) *http.Response {
			return plainResponse(200, nil, "final")
		},
	}}
	f := newTestFetcher(rt)
	doc := allowAllDoc(t, 4096)

	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: start, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != "" {
		t.Fatalf("unexpected error: %s", out.ErrorCode)
	}
	if out.Status != 200 || out.RedirectHops != 1 {
		t.Fatalf("status=%d hops=%d, want 200/1", out.Status, out.RedirectHops)
	}
}

func TestExecute_RedirectToDeniedHostBlocked(t *testing.T) {
	start := "http://" + publicA + "/start"
	target := "http://" + publicB + "/end"
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		start: func(r *http.Request) *http.Response {
			return plainResponse(302, map[string]string{"Location": target}, "")
		},
	}}
	f := newTestFetcher(rt)
	// Allowlist only the first hop's host; publicB is not allowed.
	doc := &policy.Document{AllowedHosts: []string{publicA}, MaxResponseBytes: 4096, MaxRedirects: 5}
	if err := doc.Normalize(); err != nil {
		t.Fatal(err)
	}

	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: start, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != string(errs.CodeRedirectBlocked) {
		t.Fatalf("expected redirect_blocked, got %s", out.ErrorCode)
	}
}

func TestExecute_RedirectBudgetExhausted(t *testing.T) {
	start := "http://" + publicA + "/a"
	loop := "http://" + publicA + "/b"
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		start: func(r *http.Request) *http.Response { return plainResponse(302, map[string]string{"Location": loop}, "") },
		loop:  func(r *http.Request) *http.Response { return plainResponse(302, map[string]string{"Location": start}, "") },
	}}
	f := newTestFetcher(rt)
	doc := &policy.Document{AllowedHosts: []string{publicA}, MaxResponseBytes: 4096, MaxRedirects: 1}
	if err := doc.Normalize(); err != nil {
		t.Fatal(err)
	}
	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: start, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != string(errs.CodeRedirectBlocked) {
		t.Fatalf("expected redirect_blocked on budget exhaustion, got %s", out.ErrorCode)
	}
}

func TestExecute_HTTPSDowngradeBlockedByDefault(t *testing.T) {
	start := "https://" + publicA + "/start"
	target := "http://" + publicA + "/end"
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		start: func(r *http.Request) *http.Response { return plainResponse(302, map[string]string{"Location": target}, "") },
	}}
	f := newTestFetcher(rt)
	doc := &policy.Document{AllowedHosts: []string{publicA}, MaxResponseBytes: 4096, MaxRedirects: 5}
	if err := doc.Normalize(); err != nil {
		t.Fatal(err)
	}
	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: start, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != string(errs.CodeRedirectBlocked) {
		t.Fatalf("expected redirect_blocked on downgrade, got %s", out.ErrorCode)
	}
}

func TestExecute_CrossOriginRedirectStripsSensitiveHeaders(t *testing.T) {
	start := "http://" + publicA + "/start"
	target := "http://" + publicB + "/end"
	var sawAuth, sawCookie bool
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		start: func(r *http.Request) *http.Response {
			return plainResponse(302, map[string]string{"Location": target}, "")
		},
		target: func(r *http.Request) *http.Response {
			sawAuth = r.Header.Get("Authorization") != ""
			sawCookie = r.Header.Get("Cookie") != ""
			return plainResponse(200, nil, "ok")
		},
	}}
	f := newTestFetcher(rt)
	doc := allowAllDoc(t, 4096)
	req := wire.Request{
		Method: "GET",
		URL:    start,
		Headers: []wire.HeaderPair{
			{Name: "Authorization", Value: "Bearer secret"},
			{Name: "Cookie", Value: "sid=1"},
			{Name: "X-Trace", Value: "abc"},
		},
	}
	out := f.Execute(context.Background(), req, obligationsFor(doc), doc)
	if out.ErrorCode != "" {
		t.Fatalf("unexpected error: %s", out.ErrorCode)
	}
	if sawAuth || sawCookie {
		t.Error("cross-origin redirect must strip Authorization and Cookie")
	}
}

func TestExecute_ResponseCapAbortsBeforeBuffering(t *testing.T) {
	url := "http://" + publicA + "/big"
	big := make([]byte, 8192)
	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		url: func(r *http.Request) *http.Response { return plainResponse(200, nil, string(big)) },
	}}
	f := newTestFetcher(rt)
	doc := allowAllDoc(t, 1024)

	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: url, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != string(errs.CodeConstraintViolation) {
		t.Fatalf("expected constraint_violation, got %s", out.ErrorCode)
	}
}

func TestExecute_GzipDecodedUnderCapSucceeds(t *testing.T) {
	url := "http://" + publicA + "/gz"
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("hello compressed world"))
	gz.Close()

	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		url: func(r *http.Request) *http.Response {
			return plainResponse(200, map[string]string{"Content-Encoding": "gzip"}, buf.String())
		},
	}}
	f := newTestFetcher(rt)
	doc := allowAllDoc(t, 4096)

	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: url, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != "" {
		t.Fatalf("unexpected error: %s", out.ErrorCode)
	}
	if out.RespBytes != uint64(len("hello compressed world")) {
		t.Errorf("resp bytes = %d, want decoded length", out.RespBytes)
	}
}

func TestExecute_GzipBombAbortsOnRatio(t *testing.T) {
	// cap is deliberately above the decoded size (4 MiB) so only the ratio
	// guard, not the plain cap check, can account for the abort.
	url := "http://" + publicA + "/bomb"
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	zeros := make([]byte, 4*1024*1024)
	gz.Write(zeros)
	gz.Close()

	rt := &stubTransport{responses: map[string]func(*http.Request) *http.Response{
		url: func(r *http.Request) *http.Response {
			return plainResponse(200, map[string]string{"Content-Encoding": "gzip"}, buf.String())
		},
	}}
	f := newTestFetcher(rt)
	doc := allowAllDoc(t, 8*1024*1024)

	out := f.Execute(context.Background(), wire.Request{Method: "GET", URL: url, Headers: []wire.HeaderPair{}}, obligationsFor(doc), doc)
	if out.ErrorCode != string(errs.CodeConstraintViolation) {
		t.Fatalf("expected constraint_violation from ratio guard, got %s", out.ErrorCode)
	}
}

func TestRewriteForRedirect_303CollapsesToGet(t *testing.T) {
	method, body := rewriteForRedirect(303, "POST", []byte("payload"))
	if method != "GET" || body != nil {
		t.Errorf("303 should rewrite to bodyless GET, got method=%s body=%v", method, body)
	}
}

func TestRewriteForRedirect_307PreservesMethodAndBody(t *testing.T) {
	method, body := rewriteForRedirect(307, "POST", []byte("payload"))
	if method != "POST" || string(body) != "payload" {
		t.Errorf("307 should preserve method and body, got method=%s body=%s", method, body)
	}
}

func TestIsHopByHop(t *testing.T) {
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "TE", "Trailer", "Host", "Proxy-Authorization"} {
		if !isHopByHop(name) {
			t.Errorf("%s should be treated as hop-by-hop", name)
		}
	}
	if isHopByHop("X-Custom") {
		t.Error("X-Custom should not be treated as hop-by-hop")
	}
}
