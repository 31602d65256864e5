package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != SupportedVersion {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads and validates a Response. The raw bytes are
// returned alongside errors so a misbehaving component's output can be
// logged verbatim.
func DecodeResponse(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("component produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("component output is not valid JSON: %w", err)
	}

	switch resp.Status {
	case StatusOK, StatusDefer:
	case StatusError:
		if resp.Message == "" {
			return nil, data, fmt.Errorf("response has status=error but no message")
		}
	case "":
		return nil, data, fmt.Errorf("response missing required field: status")
	default:
		return nil, data, fmt.Errorf("invalid status value: %q", resp.Status)
	}
	return &resp, data, nil
}
