package policy

import "github.com/google/uuid"

// Obligations are the effective caps a Decision hands to the fetcher
// (spec.md §3 "Decision ... obligations").
type Obligations struct {
	RequestCap  int64
	ResponseCap int64
	RedirectCap int
}

// Decision is the outcome of evaluating one Request Descriptor against a
// Policy Document (spec.md §3). Exactly one of allow/deny; the Reason code
// is always one of the stable codes in spec.md §7 on deny.
type Decision struct {
	ID             string
	Allow          bool
	ReasonCode     string
	ReasonMessage  string
	Obligations    Obligations
	PolicyFingerprint string
}

func newDecisionID() string {
	return uuid.NewString()
}

func allow(doc *Document) Decision {
	return Decision{
		ID:    newDecisionID(),
		Allow: true,
		Obligations: Obligations{
			RequestCap:  doc.MaxRequestBytes,
			ResponseCap: doc.MaxResponseBytes,
			RedirectCap: doc.MaxRedirects,
		},
		PolicyFingerprint: doc.Fingerprint(),
	}
}

func deny(doc *Document, code, message string) Decision {
	return Decision{
		ID:                newDecisionID(),
		Allow:             false,
		ReasonCode:        code,
		ReasonMessage:     message,
		PolicyFingerprint: doc.Fingerprint(),
	}
}
