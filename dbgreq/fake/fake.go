// Package fake is an in-memory dbgreq.Transport for tests: it lets a
// test script a sequence of requests and assert on the replies the
// dispatch loop under test produces, without a real gdbserver socket.
package fake

import (
	"fmt"

	"github.com/tickloop/rr/dbgreq"
)

// Transport is a dbgreq.Transport backed by in-memory queues.
type Transport struct {
	requests []dbgreq.Request
	Replies  []dbgreq.Reply
	Notifies []dbgreq.Reply
}

// New returns a Transport that will hand out requests in order, then
// report a transport error (simulating a closed connection) once
// exhausted.
func New(requests ...dbgreq.Request) *Transport {
	return &Transport{requests: requests}
}

func (t *Transport) Recv() (dbgreq.Request, error) {
	if len(t.requests) == 0 {
		return dbgreq.Request{}, fmt.Errorf("fake transport: no more requests queued")
	}
	req := t.requests[0]
	t.requests = t.requests[1:]
	return req, nil
}

func (t *Transport) Reply(r dbgreq.Reply) error {
	t.Replies = append(t.Replies, r)
	return nil
}

func (t *Transport) NotifyStop(r dbgreq.Reply) error {
	t.Notifies = append(t.Notifies, r)
	return nil
}

// Enqueue adds more requests to be returned by future Recv calls,
// letting a test react to a reply before deciding what to send next.
func (t *Transport) Enqueue(reqs ...dbgreq.Request) {
	t.requests = append(t.requests, reqs...)
}

// Pending reports how many queued requests Recv has not yet returned.
func (t *Transport) Pending() int { return len(t.requests) }
