// Package hook implements the pre-execution guard entry point. External
// tooling pipes an operation request as JSON on stdin and reads the verdict
// as JSON on stdout; the exit code tells the caller whether to proceed.
//
// The hook fails closed: malformed or unreadable input yields a denial, not
// a pass-through.
package hook

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bdobrica/dockwarden/internal/warden/policy"
)

// Request is the JSON document piped to the hook.
type Request struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// Run evaluates one request from in against guard and writes the verdict to
// out. The returned code is 0 when the operation is allowed and 1 when it is
// denied or the input could not be parsed.
func Run(guard *policy.Engine, in io.Reader, out io.Writer) int {
	var req Request
	dec := json.NewDecoder(in)
	if err := dec.Decode(&req); err != nil {
		writeVerdict(out, policy.Verdict{
			Allowed: false,
			Reason:  fmt.Sprintf("malformed hook input: %v", err),
		})
		return 1
	}
	if req.Operation == "" {
		writeVerdict(out, policy.Verdict{
			Allowed: false,
			Reason:  "malformed hook input: missing operation",
		})
		return 1
	}

	verdict := guard.Validate(req.Operation, req.Params)
	writeVerdict(out, verdict)
	if !verdict.Allowed {
		return 1
	}
	return 0
}

func writeVerdict(out io.Writer, v policy.Verdict) {
	enc := json.NewEncoder(out)
	_ = enc.Encode(v)
}
