package audit

// Record is one line of the append-only audit log (spec.md §6.5). It
// excludes body bytes, cookie/authorization headers, and tokens by
// construction — nothing upstream of Write ever has a field to put them in.
type Record struct {
	Seq        uint64 `json:"seq"`
	Timestamp  string `json:"ts"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
	Method     string `json:"method"`
	Host       string `json:"host"`
	PathSHA256 string `json:"path_sha256"`
	ReqBytes   uint64 `json:"req_bytes"`
	RespBytes  uint64 `json:"resp_bytes"`
	Status     uint16 `json:"status"`
	ElapsedMS  uint64 `json:"elapsed_ms"`
	PolicyFP   string `json:"policy_fp"`
}
