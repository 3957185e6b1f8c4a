package rethink

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
)

// newDrainedRouter builds a router over a pipe whose peer discards writes,
// so submissions succeed without a live server.
func newDrainedRouter(t *testing.T, asyncErrorHandler func(error)) *responseRouter {
	t.Helper()

	client, peer := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, peer) }()
	t.Cleanup(func() {
		_ = client.Close()
		_ = peer.Close()
	})

	transport := &transport{conn: client, receiveBuffer: make([]byte, 1024)}
	return newResponseRouter(transport, asyncErrorHandler)
}

func TestSubmitAllocatesMonotonicTokens(t *testing.T) {
	router := newDrainedRouter(t, nil)

	previous := uint64(0)
	for i := 0; i < 5; i++ {
		token, err := router.submit([]byte("[1,null,{}]"), func(*Response, error) {}, false)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if token <= previous {
			t.Fatalf("token %d not greater than %d", token, previous)
		}
		previous = token
	}
	if router.outstanding() != 5 {
		t.Fatalf("outstanding slots: got %d want 5", router.outstanding())
	}
}

func TestOnFramePerTokenOrdering(t *testing.T) {
	router := newDrainedRouter(t, nil)

	var delivered []string
	token, err := router.submit([]byte("[1,null,{}]"), func(response *Response, err error) {
		delivered = append(delivered, fmt.Sprintf("t%d:%d", response.Type, len(response.Results)))
	}, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	frames := []string{
		`{"t":3,"r":[1,2]}`,
		`{"t":3,"r":[3]}`,
		`{"t":2,"r":[4]}`,
	}
	for _, frame := range frames {
		if err := router.onFrame(token, []byte(frame)); err != nil {
			t.Fatalf("onFrame: %v", err)
		}
	}

	want := []string{"t3:2", "t3:1", "t2:1"}
	if len(delivered) != len(want) {
		t.Fatalf("deliveries: got %v want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("delivery %d: got %q want %q", i, delivered[i], want[i])
		}
	}
	if router.outstanding() != 0 {
		t.Fatalf("terminal frame did not remove the slot")
	}
}

func TestOnFrameUnknownTokenIsProtocolViolation(t *testing.T) {
	router := newDrainedRouter(t, nil)

	err := router.onFrame(99, []byte(`{"t":1,"r":[null]}`))
	if err == nil {
		t.Fatalf("expected protocol violation")
	}
	if ErrorCode(err) != ProtocolViolationError {
		t.Fatalf("unexpected classification: %d (%v)", ErrorCode(err), err)
	}
}

func TestFailAllResolvesEverySlotExactlyOnce(t *testing.T) {
	router := newDrainedRouter(t, nil)

	var lock sync.Mutex
	resolved := make(map[uint64]int)
	for i := 0; i < 4; i++ {
		var token uint64
		var err error
		token, err = router.submit([]byte("[1,null,{}]"), func(response *Response, failure error) {
			lock.Lock()
			resolved[token]++
			lock.Unlock()
			if failure == nil || failure.Error() != "Connection is closed." {
				t.Errorf("slot failed with %v", failure)
			}
		}, false)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	router.failAll(nil)
	router.failAll(nil)

	lock.Lock()
	defer lock.Unlock()
	if len(resolved) != 4 {
		t.Fatalf("resolved %d slots, want 4", len(resolved))
	}
	for token, count := range resolved {
		if count != 1 {
			t.Fatalf("token %d resolved %d times", token, count)
		}
	}
}

func TestSubmitAfterFailAllIsRejected(t *testing.T) {
	router := newDrainedRouter(t, nil)
	router.failAll(nil)

	_, err := router.submit([]byte("[1,null,{}]"), nil, false)
	if err == nil || err.Error() != "Connection is closed." {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNoReplyAcknowledgedImmediatelyAndCounted(t *testing.T) {
	router := newDrainedRouter(t, nil)

	acknowledged := false
	_, err := router.submit([]byte("[1,null,{\"noreply\":true}]"), func(response *Response, err error) {
		if response != nil || err != nil {
			t.Errorf("no-reply ack carried %v / %v", response, err)
		}
		acknowledged = true
	}, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !acknowledged {
		t.Fatalf("no-reply continuation did not fire on submit")
	}
	if router.noreplyCount() != 1 {
		t.Fatalf("noreply count: got %d want 1", router.noreplyCount())
	}

	// A completed wait on another token covers all prior no-reply work.
	waitToken, err := router.submit([]byte("[4]"), func(*Response, error) {}, false)
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if err := router.onFrame(waitToken, []byte(`{"t":4,"r":[]}`)); err != nil {
		t.Fatalf("onFrame: %v", err)
	}
	if router.noreplyCount() != 0 {
		t.Fatalf("noreply count after wait: got %d want 0", router.noreplyCount())
	}
}

func TestWaitCompleteCoversOnlyPriorNoReplyWork(t *testing.T) {
	var reported error
	router := newDrainedRouter(t, func(err error) { reported = err })

	waitToken, err := router.submit([]byte("[4]"), func(*Response, error) {}, false)
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	laterToken, err := router.submit([]byte("[1,null,{\"noreply\":true}]"), nil, true)
	if err != nil {
		t.Fatalf("submit no-reply: %v", err)
	}

	if err := router.onFrame(waitToken, []byte(`{"t":4,"r":[]}`)); err != nil {
		t.Fatalf("onFrame: %v", err)
	}
	if router.noreplyCount() != 1 {
		t.Fatalf("no-reply work issued after the wait was erased: count %d want 1", router.noreplyCount())
	}

	// The later token is still tracked, so a server-side error for it goes
	// to the asynchronous handler instead of killing the connection.
	if err := router.onFrame(laterToken, []byte(`{"t":18,"r":["boom"]}`)); err != nil {
		t.Fatalf("later no-reply token treated as protocol violation: %v", err)
	}
	if reported == nil || reported.Error() != "boom" {
		t.Fatalf("async error: got %v want boom", reported)
	}
	if router.noreplyCount() != 0 {
		t.Fatalf("error frame did not settle the no-reply token: count %d", router.noreplyCount())
	}
}

func TestNoReplyServerErrorReportedAsynchronously(t *testing.T) {
	var reported error
	router := newDrainedRouter(t, func(err error) { reported = err })

	token, err := router.submit([]byte("[1,null,{\"noreply\":true}]"), nil, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := router.onFrame(token, []byte(`{"t":18,"r":["boom"]}`)); err != nil {
		t.Fatalf("a no-reply token must not be a protocol violation: %v", err)
	}
	if reported == nil || reported.Error() != "boom" {
		t.Fatalf("async error: got %v want boom", reported)
	}
	if ErrorCode(reported) != RuntimeError {
		t.Fatalf("async error classification: %d", ErrorCode(reported))
	}
}

func TestCancelStopsLocalDeliveryAndDrainsSilently(t *testing.T) {
	router := newDrainedRouter(t, nil)

	var calls []string
	token, err := router.submit([]byte("[1,null,{}]"), func(response *Response, err error) {
		if err != nil {
			calls = append(calls, err.Error())
			return
		}
		calls = append(calls, "data")
	}, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	router.cancel(token)
	router.cancel(token)

	// Frames still in flight for the cancelled token drain without delivery.
	if err := router.onFrame(token, []byte(`{"t":2,"r":[1]}`)); err != nil {
		t.Fatalf("onFrame: %v", err)
	}

	if len(calls) != 1 || calls[0] != "Query cancelled." {
		t.Fatalf("unexpected continuation calls: %v", calls)
	}
	if router.outstanding() != 0 {
		t.Fatalf("cancelled slot not drained")
	}
}

func TestCancelOneTokenLeavesOthersAlone(t *testing.T) {
	router := newDrainedRouter(t, nil)

	var survivorRows int
	cancelToken, err := router.submit([]byte("[1,null,{}]"), func(*Response, error) {}, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	survivorToken, err := router.submit([]byte("[1,null,{}]"), func(response *Response, err error) {
		if err == nil {
			survivorRows += len(response.Results)
		}
	}, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	router.cancel(cancelToken)
	if err := router.onFrame(survivorToken, []byte(`{"t":1,"r":[null]}`)); err != nil {
		t.Fatalf("onFrame: %v", err)
	}
	if survivorRows != 1 {
		t.Fatalf("survivor did not receive its response")
	}
}
