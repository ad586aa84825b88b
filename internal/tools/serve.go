package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// maxRequestBytes bounds one NDJSON request line.
const maxRequestBytes = 1 << 20

// Serve runs the newline-delimited JSON request loop: one Request per line
// in, one Response per line out. The loop survives malformed input and
// stops on EOF or ctx cancellation.
func (a *Adapter) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := Response{Error: &WireError{
				Kind:   string(types.KindValidation),
				Reason: "malformed request: " + err.Error(),
			}}
			if err := enc.Encode(resp); err != nil {
				return err
			}
			continue
		}

		if err := enc.Encode(a.Dispatch(ctx, req)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		logging.Get(logging.CategoryTools).Error("serve loop: %v", err)
		return err
	}
	return nil
}
