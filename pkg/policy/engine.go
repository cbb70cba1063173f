package policy

import (
	"net/url"
	"strings"

	"github.com/OllieNilsen/pexi/pkg/errs"
)

// Descriptor is the normalized Request Descriptor the codec hands the
// engine (spec.md §3). URL is the raw string; the engine parses it as part
// of check 2 so a parse failure is itself a policy outcome, not a precondition.
type Descriptor struct {
	Method        string
	URL           string
	DeclaredBodyLen int64
}

// allowedSchemes is fixed: spec.md §4.3 check 2.
var allowedSchemes = map[string]bool{"http": true, "https": true}

// Evaluate runs the fixed evaluation order from spec.md §4.3, stopping at
// the first failing check. Method/scheme/size checks never depend on
// network I/O — policy evaluation is CPU-only (spec.md §5).
func Evaluate(doc *Document, desc Descriptor) Decision {
	if !doc.MethodAllowed(desc.Method) {
		return deny(doc, string(errs.CodeInvalidMethod), "method not in whitelist")
	}

	parsed, err := url.Parse(desc.URL)
	if err != nil {
		return deny(doc, string(errs.CodeInvalidURL), "url did not parse: "+err.Error())
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedSchemes[scheme] {
		return deny(doc, string(errs.CodeInvalidURL), "unsupported scheme "+scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return deny(doc, string(errs.CodeInvalidURL), "url missing host")
	}

	if !doc.HostAllowed(host) {
		return deny(doc, string(errs.CodeDeniedByPolicy), "host not allowlisted")
	}

	if doc.MaxRequestBytes > 0 && desc.DeclaredBodyLen > doc.MaxRequestBytes {
		return deny(doc, string(errs.CodeConstraintViolation), "declared body size exceeds request cap")
	}

	return allow(doc)
}
