package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// ParseMessage classifies a raw JSON-RPC frame and unmarshals it into the
// matching Message variant. A frame with a method and an id is a Request; a
// method without an id is a Notification; an error member without a method
// is an Error; anything else with an id is a Response.
func ParseMessage(data []byte) (*Message, error) {
	probe := struct {
		Id     json.RawMessage `json:"id"`
		Method *string         `json:"method"`
		Error  json.RawMessage `json:"error"`
		Result json.RawMessage `json:"result"`
	}{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	hasId := len(probe.Id) > 0 && !bytes.Equal(probe.Id, []byte("null"))
	switch {
	case probe.Method != nil && hasId:
		req := &Request{}
		if err := req.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return NewRequestMessage(req), nil
	case probe.Method != nil:
		note := &Notification{}
		if err := note.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return NewNotificationMessage(note), nil
	case len(probe.Error) > 0 && len(probe.Result) == 0:
		errMsg := &Error{}
		if err := json.Unmarshal(data, errMsg); err != nil {
			return nil, err
		}
		return NewErrorMessage(errMsg), nil
	default:
		resp := &Response{}
		if err := resp.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return NewResponseMessage(resp), nil
	}
}

// ParseBatch unmarshals a batch frame (a non-empty JSON array of requests).
func ParseBatch(data []byte) (BatchRequest, error) {
	var batch BatchRequest
	if err := batch.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return batch, nil
}

// IsBatch reports whether a raw body is a JSON array, i.e. a batch request.
func IsBatch(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
