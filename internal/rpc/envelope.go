package rpc

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Queue naming shared by every implementation that talks to a service
const (
	queuePrefix = "rpc."
	replyInfix  = ".reply."
)

// InboundQueueName returns the well-known request queue of a service
func InboundQueueName(service string) string {
	return queuePrefix + service
}

// ReplyQueueName returns the per-call reply queue of a caller
func ReplyQueueName(caller, requestID string) string {
	return queuePrefix + caller + replyInfix + requestID
}

// Request is the envelope published to a service's inbound queue
type Request struct {
	Method    string                     `json:"method"`
	Args      []json.RawMessage          `json:"args"`
	Kwargs    map[string]json.RawMessage `json:"kwargs"`
	RequestID string                     `json:"request_id"`
	ReplyTo   string                     `json:"reply_to"`
}

// Response is the envelope published to a caller's reply queue. Exactly one
// of Result and Error is meaningful.
type Response struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
}

var requestFields = []string{"method", "args", "kwargs", "request_id", "reply_to"}

// ErrInvalidEnvelope marks a payload that is not a well-formed envelope
var ErrInvalidEnvelope = errors.New("invalid envelope")

// NewRequest encodes args and kwargs into a request for method
func NewRequest(method string, args []any, kwargs map[string]any) (*Request, error) {
	req := &Request{
		Method: method,
		Args:   make([]json.RawMessage, 0, len(args)),
		Kwargs: make(map[string]json.RawMessage, len(kwargs)),
	}

	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		req.Args = append(req.Args, raw)
	}
	for name, value := range kwargs {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode keyword argument %q: %w", name, err)
		}
		req.Kwargs[name] = raw
	}

	return req, nil
}

// DecodeRequest parses a request envelope. Every field must be present.
func DecodeRequest(payload []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	for _, name := range requestFields {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrInvalidEnvelope, name)
		}
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string]json.RawMessage{}
	}
	return &req, nil
}

// recoverReplyTarget extracts reply_to and request_id from a payload that
// failed to decode. ok is false when either is missing or not a string.
func recoverReplyTarget(payload []byte) (replyTo, requestID string, ok bool) {
	if !gjson.ValidBytes(payload) {
		return "", "", false
	}
	fields := gjson.GetManyBytes(payload, "reply_to", "request_id")
	if fields[0].Type != gjson.String || fields[1].Type != gjson.String || fields[0].Str == "" {
		return "", "", false
	}
	return fields[0].Str, fields[1].Str, true
}

// DecodeResponse parses a response envelope; request_id is required
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if resp.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request_id", ErrInvalidEnvelope)
	}
	return &resp, nil
}

func successResponse(requestID string, result json.RawMessage) *Response {
	return &Response{RequestID: requestID, Result: result}
}

func errorResponse(requestID, message string) *Response {
	return &Response{RequestID: requestID, Error: &message}
}
