package rpc

import (
	"sync"

	"github.com/alphadose/haxmap"
)

// pendingCall is a single-assignment result slot
type pendingCall struct {
	ch   chan *Response
	once sync.Once
}

// resolve delivers resp; only the first call has any effect
func (p *pendingCall) resolve(resp *Response) bool {
	resolved := false
	p.once.Do(func() {
		p.ch <- resp
		resolved = true
	})
	return resolved
}

// pendingTable maps request ids to outstanding calls of one service
type pendingTable struct {
	calls *haxmap.Map[string, *pendingCall]
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: haxmap.New[string, *pendingCall]()}
}

func (t *pendingTable) add(requestID string) *pendingCall {
	call := &pendingCall{ch: make(chan *Response, 1)}
	t.calls.Set(requestID, call)
	return call
}

func (t *pendingTable) remove(requestID string) {
	t.calls.Del(requestID)
}

// resolve hands resp to its pending call. It reports false when the request
// is unknown or already resolved.
func (t *pendingTable) resolve(resp *Response) bool {
	call, ok := t.calls.Get(resp.RequestID)
	if !ok {
		return false
	}
	return call.resolve(resp)
}

func (t *pendingTable) len() int {
	return int(t.calls.Len())
}
