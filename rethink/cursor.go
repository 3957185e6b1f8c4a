package rethink

import (
	"encoding/json"
	"sync"
)

// Cursor states, mirroring the pending request's cursor lifecycle.
const (
	cursorReading  = 0
	cursorComplete = 1
	cursorClosed   = 2
)

// Cursor delivers the rows of one query. For atom and sequence responses
// every row is buffered before Run returns; for streamed results additional
// batches are fetched on demand with continue requests under the same token.
// Rows are opaque documents.
type Cursor struct {
	// router is captured at creation so the cursor keeps talking to the
	// connection generation that produced it, even across a reconnect.
	router *responseRouter
	token  uint64

	lock      sync.Mutex
	ready     *sync.Cond
	buffer    []json.RawMessage
	state     int
	fetching  bool
	firstDone bool
	first     chan struct{}
	err       error
}

func newCursor(router *responseRouter) *Cursor {
	cursor := &Cursor{
		router: router,
		first:  make(chan struct{}),
	}
	cursor.ready = sync.NewCond(&cursor.lock)
	return cursor
}

// feed is the continuation registered with the router; it runs on the
// receive loop for response frames and on the submitter for immediate
// no-reply acknowledgement.
func (cursor *Cursor) feed(response *Response, err error) {
	cursor.lock.Lock()

	if cursor.state == cursorClosed {
		cursor.lock.Unlock()
		return
	}

	switch {
	case err != nil:
		cursor.err = err
		cursor.state = cursorComplete
	case response == nil:
		// No-reply acknowledgement.
		cursor.state = cursorComplete
	case response.Type == ResponseSuccessPartial:
		cursor.token = response.Token
		cursor.buffer = append(cursor.buffer, response.Results...)
		cursor.fetching = false
	default:
		cursor.token = response.Token
		cursor.buffer = append(cursor.buffer, response.Results...)
		cursor.state = cursorComplete
	}

	if !cursor.firstDone {
		cursor.firstDone = true
		close(cursor.first)
	}
	cursor.ready.Broadcast()
	cursor.lock.Unlock()
}

func (cursor *Cursor) setToken(token uint64) {
	cursor.lock.Lock()
	cursor.token = token
	cursor.lock.Unlock()
}

func (cursor *Cursor) waitFirst() error {
	<-cursor.first
	cursor.lock.Lock()
	defer cursor.lock.Unlock()
	return cursor.err
}

// Next returns the next row. The second return value is false once the
// stream is exhausted or closed; Err reports any terminal failure.
func (cursor *Cursor) Next() (json.RawMessage, bool, error) {
	cursor.lock.Lock()
	defer cursor.lock.Unlock()

	for {
		if len(cursor.buffer) > 0 {
			row := cursor.buffer[0]
			cursor.buffer = cursor.buffer[1:]
			return row, true, nil
		}
		if cursor.err != nil {
			return nil, false, cursor.err
		}
		if cursor.state != cursorReading {
			return nil, false, nil
		}

		if !cursor.fetching {
			cursor.fetching = true
			token := cursor.token
			cursor.lock.Unlock()
			err := cursor.router.sendContinue(token)
			cursor.lock.Lock()
			if err != nil {
				cursor.err = err
				cursor.state = cursorComplete
				return nil, false, err
			}
			// The batch may have landed while the lock was released;
			// re-check before blocking.
			continue
		}
		cursor.ready.Wait()
	}
}

// All drains the cursor and returns every remaining row.
func (cursor *Cursor) All() ([]json.RawMessage, error) {
	var rows []json.RawMessage
	for {
		row, more, err := cursor.Next()
		if err != nil {
			return rows, err
		}
		if !more {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// Err returns the terminal error, if any.
func (cursor *Cursor) Err() error {
	cursor.lock.Lock()
	defer cursor.lock.Unlock()
	return cursor.err
}

// Close stops a still-streaming cursor. The server is asked to stop the
// stream; rows already buffered are discarded and other queries on the
// connection are unaffected. Closing an exhausted cursor is a no-op.
func (cursor *Cursor) Close() error {
	cursor.lock.Lock()
	if cursor.state == cursorClosed {
		cursor.lock.Unlock()
		return nil
	}
	streaming := cursor.state == cursorReading && cursor.firstDone
	token := cursor.token
	cursor.state = cursorClosed
	cursor.buffer = nil
	cursor.ready.Broadcast()
	cursor.lock.Unlock()

	if streaming {
		cursor.router.cancel(token)
	}
	return nil
}
