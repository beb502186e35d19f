package rpc

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "rpc.greeting", InboundQueueName("greeting"))
	assert.Equal(t, "rpc.user.reply.abc", ReplyQueueName("user", "abc"))
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("hello", []any{"Alice", 3}, map[string]any{"loud": true})
	require.NoError(t, err)

	assert.Equal(t, "hello", req.Method)
	require.Len(t, req.Args, 2)
	assert.JSONEq(t, `"Alice"`, string(req.Args[0]))
	assert.JSONEq(t, `3`, string(req.Args[1]))
	assert.JSONEq(t, `true`, string(req.Kwargs["loud"]))

	// absent args and kwargs still encode as [] and {}
	empty, err := NewRequest("ping", nil, nil)
	require.NoError(t, err)
	payload, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"ping","args":[],"kwargs":{},"request_id":"","reply_to":""}`, string(payload))
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantErr   bool
		wantKwarg int
	}{
		{
			name:      "complete",
			payload:   `{"method":"hello","args":["Alice"],"kwargs":{"x":1},"request_id":"1","reply_to":"rpc.c.reply.1"}`,
			wantKwarg: 1,
		},
		{
			name:    "null kwargs",
			payload: `{"method":"hello","args":[],"kwargs":null,"request_id":"1","reply_to":"r"}`,
		},
		{
			name:    "missing method",
			payload: `{"args":[],"kwargs":{},"request_id":"1","reply_to":"r"}`,
			wantErr: true,
		},
		{
			name:    "missing reply_to",
			payload: `{"method":"hello","args":[],"kwargs":{},"request_id":"1"}`,
			wantErr: true,
		},
		{
			name:    "wrong type",
			payload: `{"method":7,"args":[],"kwargs":{},"request_id":"1","reply_to":"r"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, req.Kwargs)
			assert.Len(t, req.Kwargs, tt.wantKwarg)
		})
	}
}

func TestRecoverReplyTarget(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		replyTo   string
		requestID string
		ok        bool
	}{
		{
			name:      "recoverable",
			payload:   `{"reply_to":"rpc.c.reply.1","request_id":"1"}`,
			replyTo:   "rpc.c.reply.1",
			requestID: "1",
			ok:        true,
		},
		{name: "missing request id", payload: `{"reply_to":"r"}`},
		{name: "empty reply_to", payload: `{"reply_to":"","request_id":"1"}`},
		{name: "numeric request id", payload: `{"reply_to":"r","request_id":1}`},
		{name: "invalid json", payload: `{"reply_to":"r",`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replyTo, requestID, ok := recoverReplyTarget([]byte(tt.payload))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.replyTo, replyTo)
			assert.Equal(t, tt.requestID, requestID)
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"request_id":"1","result":"Hello, Alice!","error":null}`))
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `"Hello, Alice!"`, string(resp.Result))

	resp, err = DecodeResponse([]byte(`{"request_id":"2","result":null,"error":"boom"}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", *resp.Error)

	_, err = DecodeResponse([]byte(`{"result":1}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestResponseEncoding(t *testing.T) {
	payload, err := json.Marshal(errorResponse("1", "boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"1","result":null,"error":"boom"}`, string(payload))

	payload, err = json.Marshal(successResponse("2", json.RawMessage(`"ok"`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"2","result":"ok","error":null}`, string(payload))
}
