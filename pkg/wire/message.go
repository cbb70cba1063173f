package wire

import (
	"encoding/base64"
	"encoding/json"
)

// HeaderPair is an ordered name/value pair. spec.md §8 requires header order
// within the JSON array to round-trip, which a map cannot guarantee.
type HeaderPair struct {
	Name  string
	Value string
}

// MarshalJSON renders a HeaderPair as the two-element array the wire
// protocol specifies: ["name", "value"].
func (h HeaderPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

// UnmarshalJSON parses a two-element ["name", "value"] array.
func (h *HeaderPair) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}

// Request is the decoded form of the request object in spec.md §6.2.
type Request struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	Headers     []HeaderPair `json:"headers"`
	BodyBase64  *string      `json:"body_base64"`
}

// Body decodes BodyBase64, returning nil if no body was supplied.
func (r *Request) Body() ([]byte, error) {
	if r.BodyBase64 == nil {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*r.BodyBase64)
}

// ErrorEnvelope is the error object in a failure Response (spec.md §6.2).
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the encoded form of the response object in spec.md §6.2.
type Response struct {
	Status     int            `json:"status"`
	Headers    []HeaderPair   `json:"headers"`
	BodyBase64 *string        `json:"body_base64"`
	Error      *ErrorEnvelope `json:"error"`
}

// SetBody base64-encodes body into the response, or leaves BodyBase64 nil
// for an empty success body.
func (r *Response) SetBody(body []byte) {
	if len(body) == 0 {
		r.BodyBase64 = nil
		return
	}
	encoded := base64.StdEncoding.EncodeToString(body)
	r.BodyBase64 = &encoded
}

// ErrorResponse builds the failure-shaped Response from spec.md §6.2:
// status=0, headers=[], body_base64=null, error={code, message}.
func ErrorResponse(code, message string) Response {
	return Response{
		Status:  0,
		Headers: []HeaderPair{},
		Error:   &ErrorEnvelope{Code: code, Message: message},
	}
}

// DecodeRequest parses one request frame payload, applying the documented
// defaults for absent fields (headers=[], body_base64=null).
func DecodeRequest(payload []byte) (Request, error) {
	req := Request{Headers: []HeaderPair{}}
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, err
	}
	if req.Headers == nil {
		req.Headers = []HeaderPair{}
	}
	return req, nil
}

// EncodeResponse serializes a Response for one response frame payload.
func EncodeResponse(resp Response) ([]byte, error) {
	if resp.Headers == nil {
		resp.Headers = []HeaderPair{}
	}
	return json.Marshal(resp)
}
