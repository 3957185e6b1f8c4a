package rethink

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
)

// Response is one decoded response frame. Results holds the rows of the "r"
// field as opaque documents; this core never interprets them.
type Response struct {
	Token   uint64
	Type    int
	Results []json.RawMessage
	Profile json.RawMessage
}

type wireResponse struct {
	Type    int               `json:"t"`
	Results []json.RawMessage `json:"r"`
	Profile json.RawMessage   `json:"p,omitempty"`
}

func (response *Response) errorMessage() string {
	if len(response.Results) == 0 {
		return "Unknown server error."
	}
	var message string
	if err := json.Unmarshal(response.Results[0], &message); err != nil {
		return string(response.Results[0])
	}
	return message
}

// Cursor state of a pending request.
const (
	cursorStateNone = iota
	cursorStateStreaming
	cursorStateExhausted
)

// pendingRequest is one outstanding submission: its correlation token, the
// continuation that receives every response frame for that token, and
// whether local delivery has been cancelled.
type pendingRequest struct {
	token        uint64
	continuation func(*Response, error)
	noReply      bool
	cursorState  int
	cancelled    bool
}

// responseRouter owns the token space of one connection. It is safe for
// concurrent submission from any number of goroutines while a single receive
// loop feeds onFrame; the slot map, no-reply accounting, and closed flag are
// all guarded by one lock so drain and teardown observe a consistent view.
// Continuations run outside the lock, on the submitting goroutine for
// immediate no-reply acknowledgement and on the receive loop otherwise,
// which preserves per-token delivery order.
type responseRouter struct {
	transport *transport

	lock            sync.Mutex
	nextToken       uint64
	pending         map[uint64]*pendingRequest
	noreplyTokens   map[uint64]struct{}
	noreplyInFlight int
	closed          bool
	closeReason     error

	// asyncErrorHandler receives failures that own no live slot, such as a
	// server-side error for a no-reply query.
	asyncErrorHandler func(error)
}

func newResponseRouter(t *transport, asyncErrorHandler func(error)) *responseRouter {
	return &responseRouter{
		transport:         t,
		nextToken:         1,
		pending:           make(map[uint64]*pendingRequest),
		noreplyTokens:     make(map[uint64]struct{}),
		asyncErrorHandler: asyncErrorHandler,
	}
}

// submit allocates a fresh token, registers the pending slot, and sends the
// framed request. A no-reply submission is acknowledged immediately with a
// nil response; its token is tracked only for drain accounting.
func (router *responseRouter) submit(payload []byte, continuation func(*Response, error), noReply bool) (uint64, error) {
	router.lock.Lock()
	if router.closed {
		reason := router.closeReason
		router.lock.Unlock()
		if reason == nil {
			reason = newClosedError()
		}
		return 0, reason
	}

	token := router.nextToken
	router.nextToken++

	if noReply {
		router.noreplyTokens[token] = struct{}{}
		router.noreplyInFlight++
	} else {
		router.pending[token] = &pendingRequest{token: token, continuation: continuation}
	}
	router.lock.Unlock()

	if err := router.transport.sendFrame(token, payload); err != nil {
		router.lock.Lock()
		delete(router.pending, token)
		if noReply {
			delete(router.noreplyTokens, token)
			router.noreplyInFlight--
		}
		router.lock.Unlock()
		return 0, err
	}

	if noReply && continuation != nil {
		continuation(nil, nil)
	}
	return token, nil
}

// sendContinue requests the next batch for a streaming token. The slot stays
// registered; the reply arrives as another frame for the same token.
func (router *responseRouter) sendContinue(token uint64) error {
	return router.transport.sendFrame(token, []byte("["+strconv.Itoa(queryTypeContinue)+"]"))
}

// cancel stops local delivery for a token and asks the server to stop the
// stream. The continuation is resolved immediately; the slot drains silently
// when the server's terminal response arrives. Other tokens are unaffected.
func (router *responseRouter) cancel(token uint64) {
	router.lock.Lock()
	request, exists := router.pending[token]
	if !exists || request.cancelled {
		router.lock.Unlock()
		return
	}
	request.cancelled = true
	continuation := request.continuation
	router.lock.Unlock()

	_ = router.transport.sendFrame(token, []byte("["+strconv.Itoa(queryTypeStop)+"]"))
	if continuation != nil {
		continuation(nil, NewDriverError(ClientError, "Query cancelled."))
	}
}

// onFrame routes one inbound frame. A token with no slot and no no-reply
// record is a protocol violation and the returned error is connection-fatal.
func (router *responseRouter) onFrame(token uint64, payload []byte) error {
	var decoded wireResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return NewDriverError(ProtocolViolationError, "Invalid response payload for token %d: %v", token, err)
	}
	response := &Response{
		Token:   token,
		Type:    decoded.Type,
		Results: decoded.Results,
		Profile: decoded.Profile,
	}

	router.lock.Lock()
	request, exists := router.pending[token]
	if !exists {
		if _, isNoreply := router.noreplyTokens[token]; isNoreply {
			delete(router.noreplyTokens, token)
			router.noreplyInFlight--
			router.lock.Unlock()
			if response.Type >= ResponseClientError && router.asyncErrorHandler != nil {
				router.asyncErrorHandler(responseTypeToError(response.Type, response.errorMessage()))
			}
			return nil
		}
		router.lock.Unlock()
		return NewDriverError(ProtocolViolationError, "Unexpected response received for token %d.", token)
	}

	terminal := response.Type != ResponseSuccessPartial
	if terminal {
		delete(router.pending, token)
		request.cursorState = cursorStateExhausted
	} else {
		request.cursorState = cursorStateStreaming
	}
	if response.Type == ResponseWaitComplete {
		// The wait covers only no-reply work issued before it. Tokens are
		// monotonic, so those are exactly the tokens below the wait's own.
		for noreplyToken := range router.noreplyTokens {
			if noreplyToken < token {
				delete(router.noreplyTokens, noreplyToken)
				router.noreplyInFlight--
			}
		}
	}
	cancelled := request.cancelled
	router.lock.Unlock()

	if cancelled || request.continuation == nil {
		return nil
	}

	switch response.Type {
	case ResponseClientError, ResponseCompileError, ResponseRuntimeError:
		request.continuation(nil, responseTypeToError(response.Type, response.errorMessage()))
	default:
		request.continuation(response, nil)
	}
	return nil
}

// failAll resolves every outstanding slot with the given reason and refuses
// further submissions. Every pending request resolves exactly once: slots
// already cancelled were resolved by cancel and are only discarded here.
func (router *responseRouter) failAll(reason error) {
	if reason == nil {
		reason = newClosedError()
	}

	router.lock.Lock()
	if router.closed {
		router.lock.Unlock()
		return
	}
	router.closed = true
	router.closeReason = reason

	failed := make([]*pendingRequest, 0, len(router.pending))
	for _, request := range router.pending {
		if !request.cancelled {
			failed = append(failed, request)
		}
	}
	router.pending = make(map[uint64]*pendingRequest)
	router.noreplyTokens = make(map[uint64]struct{})
	router.noreplyInFlight = 0
	router.lock.Unlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i].token < failed[j].token })
	for _, request := range failed {
		if request.continuation != nil {
			request.continuation(nil, reason)
		}
	}
}

// noreplyCount reports the number of no-reply submissions not yet covered by
// a completed wait.
func (router *responseRouter) noreplyCount() int {
	router.lock.Lock()
	defer router.lock.Unlock()
	return router.noreplyInFlight
}

func (router *responseRouter) outstanding() int {
	router.lock.Lock()
	defer router.lock.Unlock()
	return len(router.pending)
}
