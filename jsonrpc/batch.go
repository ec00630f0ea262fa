package jsonrpc

import (
	"encoding/json"
	"errors"
)

// BatchRequest represents a JSON-RPC 2.0 batch request as per specs
type BatchRequest []*Request

// BatchResponseItem is implemented by *Response and *Error, the two kinds of
// message a batch response entry may carry.
type BatchResponseItem interface {
	isBatchResponseItem()
}

func (*Response) isBatchResponseItem() {}
func (*Error) isBatchResponseItem()    {}

// BatchResponse represents a JSON-RPC 2.0 batch response as per specs; a
// batch may mix successful Responses and Errors for the requests that failed.
type BatchResponse []BatchResponseItem

// NewBatchResponseFromResponses wraps a slice of successful responses into a
// BatchResponse.
func NewBatchResponseFromResponses(responses []*Response) BatchResponse {
	br := make(BatchResponse, 0, len(responses))
	for _, r := range responses {
		br = append(br, r)
	}
	return br
}

// NewBatchResponseFromErrors wraps a slice of errors into a BatchResponse.
func NewBatchResponseFromErrors(errs []*Error) BatchResponse {
	br := make(BatchResponse, 0, len(errs))
	for _, e := range errs {
		br = append(br, e)
	}
	return br
}

// NewBatchResponseMixed combines responses and errors into a single
// BatchResponse, responses first.
func NewBatchResponseMixed(responses []*Response, errs []*Error) BatchResponse {
	br := make(BatchResponse, 0, len(responses)+len(errs))
	for _, r := range responses {
		br = append(br, r)
	}
	for _, e := range errs {
		br = append(br, e)
	}
	return br
}

// UnmarshalJSON is a custom JSON unmarshaler for the BatchRequest type
func (b *BatchRequest) UnmarshalJSON(data []byte) error {
	// First check if it's an empty array which is not allowed as per the specs
	if string(data) == "[]" {
		return errors.New("invalid batch request: empty array")
	}

	// Try to unmarshal as an array
	var items []json.RawMessage
	err := json.Unmarshal(data, &items)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		return errors.New("invalid batch request: empty array")
	}

	requests := make([]*Request, 0, len(items))
	for _, item := range items {
		req := &Request{}
		if err := req.UnmarshalJSON(item); err != nil {
			// A notification carries no id; keep it as a Request with a nil Id.
			note := &Notification{}
			if noteErr := note.UnmarshalJSON(item); noteErr != nil {
				return err
			}
			req = &Request{Jsonrpc: note.Jsonrpc, Method: note.Method, Params: note.Params}
		}
		requests = append(requests, req)
	}

	*b = requests
	return nil
}
