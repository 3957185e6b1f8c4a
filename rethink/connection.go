package rethink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Connection owns one transport and one response router. All query traffic
// is serialized onto the single stream; the receive loop started by Connect
// is the transport's only reader and runs until the connection is torn down.
type Connection struct {
	host    string
	port    int
	authKey string
	timeout time.Duration

	lock            sync.Mutex
	db              string
	transport       *transport
	router          *responseRouter
	connected       bool
	connecting      bool
	closing         bool
	protocolVersion uint32
	receiveDone     chan struct{}

	errorHandler func(error)
	events       *eventRegistry
}

// NewConnection builds an unconnected Connection so lifecycle listeners can
// be registered before the first Connect.
func NewConnection(options ConnectOptions) *Connection {
	options = options.withDefaults()
	return &Connection{
		host:    options.Host,
		port:    options.Port,
		db:      options.Database,
		authKey: options.AuthKey,
		timeout: options.Timeout,
		events:  newEventRegistry(),
	}
}

// Connect dials the configured endpoint, opens the transport, and performs
// the handshake. Convenience wrapper over NewConnection + Connect.
func Connect(options ConnectOptions) (*Connection, error) {
	conn := NewConnection(options)
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect establishes the transport and runs the handshake. The connect
// lifecycle event fires once the handshake is ready, before Connect returns.
// A failure leaves no partially-open socket behind.
func (conn *Connection) Connect() error {
	conn.lock.Lock()
	if conn.connected || conn.connecting {
		conn.lock.Unlock()
		return NewDriverError(InvalidArgumentError, "Connection is already open.")
	}
	conn.connecting = true
	if conn.errorHandler == nil {
		conn.errorHandler = func(err error) {
			fmt.Println(time.Now().Local().String()+" ["+conn.host+"] >>>", err)
		}
	}
	conn.lock.Unlock()

	// Dial and handshake without the lock so inspection and listener
	// registration stay responsive while the handshake is in flight.
	t, err := openTransport(conn.host, conn.port, conn.timeout)
	if err != nil {
		conn.setConnecting(false)
		return err
	}

	session := newHandshakeSession(conn.authKey, conn.timeout)
	if err := session.run(t); err != nil {
		conn.setConnecting(false)
		return err
	}

	conn.lock.Lock()
	conn.transport = t
	router := newResponseRouter(t, conn.handleAsyncError)
	conn.router = router
	conn.protocolVersion = session.negotiatedVersion
	conn.connected = true
	conn.connecting = false
	conn.closing = false
	conn.receiveDone = make(chan struct{})
	done := conn.receiveDone
	conn.lock.Unlock()

	go conn.receiveLoop(t, router, done)

	conn.events.emitConnect(conn)
	return nil
}

func (conn *Connection) setConnecting(connecting bool) {
	conn.lock.Lock()
	conn.connecting = connecting
	conn.lock.Unlock()
}

func (conn *Connection) receiveLoop(t *transport, router *responseRouter, done chan struct{}) {
	defer close(done)

	for {
		token, payload, err := t.receiveFrame()
		if err != nil {
			conn.lock.Lock()
			graceful := conn.closing || !conn.connected
			conn.lock.Unlock()

			reason := newClosedError()
			if !graceful {
				reason = NewDriverError(ConnectionClosedError, "Connection is closed.\n%v", err)
			}
			conn.teardown(reason, !graceful)
			return
		}

		if routeErr := router.onFrame(token, payload); routeErr != nil {
			conn.teardown(routeErr, true)
			return
		}
	}
}

// teardown closes the transport, fails every outstanding slot with reason,
// and emits the close event. Safe to call from the receive loop and from
// Close concurrently; the first caller wins and the event registry keeps the
// close event to one emission per cycle.
func (conn *Connection) teardown(reason error, report bool) {
	conn.lock.Lock()
	if conn.transport == nil {
		conn.lock.Unlock()
		return
	}
	alreadyDown := !conn.connected
	conn.connected = false
	t := conn.transport
	router := conn.router
	conn.lock.Unlock()

	t.close()
	router.failAll(reason)
	if report && !alreadyDown {
		conn.handleAsyncError(reason)
	}
	conn.events.emitClose(conn)
}

func (conn *Connection) handleAsyncError(err error) {
	conn.lock.Lock()
	handler := conn.errorHandler
	conn.lock.Unlock()
	if handler != nil {
		handler(err)
	}
}

// RunAsync submits a serialized term with the given global options and
// registers continuation to receive every response frame for the allocated
// token. This is the core completion mechanism; Run is a thin synchronous
// adapter over it. For a no-reply submission the continuation fires
// immediately with a nil response.
func (conn *Connection) RunAsync(term json.RawMessage, options RunOptions, continuation func(*Response, error)) (uint64, error) {
	conn.lock.Lock()
	if !conn.connected {
		conn.lock.Unlock()
		return 0, newClosedError()
	}
	router := conn.router
	defaultDB := conn.db
	conn.lock.Unlock()

	return conn.runAsync(router, defaultDB, term, options, continuation)
}

// runAsync submits on an explicit router so callers that retain the router,
// such as cursors, stay bound to the connection generation they started on.
func (conn *Connection) runAsync(router *responseRouter, defaultDB string, term json.RawMessage, options RunOptions, continuation func(*Response, error)) (uint64, error) {
	if err := options.validate(); err != nil {
		return 0, err
	}

	wireOptions := make(map[string]interface{}, len(options)+1)
	for key, value := range options {
		wireOptions[key] = value
	}
	if defaultDB != "" {
		if _, overridden := wireOptions["db"]; !overridden {
			wireOptions["db"] = defaultDB
		}
	}

	if term == nil {
		term = json.RawMessage("null")
	}
	envelope, err := json.Marshal([]interface{}{queryTypeStart, term, wireOptions})
	if err != nil {
		return 0, NewDriverError(InvalidArgumentError, "Invalid query term: %v", err)
	}

	return router.submit(envelope, continuation, options.noReply())
}

// Run submits a serialized term and blocks until the first response
// resolves. Streamed results continue through the returned cursor. A
// no-reply submission returns a nil cursor immediately.
func (conn *Connection) Run(term json.RawMessage, options RunOptions) (*Cursor, error) {
	conn.lock.Lock()
	if !conn.connected {
		conn.lock.Unlock()
		return nil, newClosedError()
	}
	router := conn.router
	defaultDB := conn.db
	conn.lock.Unlock()

	cursor := newCursor(router)
	token, err := conn.runAsync(router, defaultDB, term, options, cursor.feed)
	if err != nil {
		return nil, err
	}
	if options.noReply() {
		return nil, nil
	}
	cursor.setToken(token)

	if err := cursor.waitFirst(); err != nil {
		return nil, err
	}
	return cursor, nil
}

// Use sets the default database for requests submitted after the call.
// Requests already in flight are unaffected.
func (conn *Connection) Use(db string) error {
	if db == "" {
		return NewDriverError(InvalidArgumentError, "Expected a nonempty database name.")
	}
	conn.lock.Lock()
	conn.db = db
	conn.lock.Unlock()
	return nil
}

// Database returns the current default database.
func (conn *Connection) Database() string {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.db
}

// NoreplyWait blocks its caller until every no-reply request issued so far
// has been executed by the server. Concurrent Run submissions are not
// blocked while the wait is outstanding.
func (conn *Connection) NoreplyWait() error {
	conn.lock.Lock()
	if !conn.connected {
		conn.lock.Unlock()
		return newClosedError()
	}
	router := conn.router
	conn.lock.Unlock()

	done := make(chan error, 1)
	_, err := router.submit([]byte("[4]"), func(response *Response, waitErr error) {
		done <- waitErr
	}, false)
	if err != nil {
		return err
	}
	return <-done
}

// Close shuts the connection down. Unless CloseOptions suppress it, the
// equivalent of NoreplyWait runs first so previously issued no-reply work
// finishes server-side. Every still-outstanding request fails with the
// closed-connection error and the close lifecycle event fires after the
// transport is shut down. Closing a closed connection is a no-op.
func (conn *Connection) Close(options ...CloseOptions) error {
	opts := closeOptionsFrom(options)

	conn.lock.Lock()
	if !conn.connected {
		conn.lock.Unlock()
		return nil
	}
	if conn.closing {
		done := conn.receiveDone
		conn.lock.Unlock()
		<-done
		return nil
	}
	conn.closing = true
	done := conn.receiveDone
	conn.lock.Unlock()

	if opts.NoreplyWait {
		// The drain can fail only because the connection is already dying,
		// in which case teardown below is still the right move.
		_ = conn.NoreplyWait()
	}

	conn.teardown(newClosedError(), false)
	<-done

	conn.lock.Lock()
	conn.closing = false
	conn.lock.Unlock()
	return nil
}

// Reconnect closes the connection, honoring the drain option, then runs the
// full connect and handshake sequence against the same endpoint. A fresh
// connect lifecycle event fires on success.
func (conn *Connection) Reconnect(options ...CloseOptions) error {
	if err := conn.Close(options...); err != nil {
		return err
	}
	return conn.Connect()
}

// IsOpen reports whether the connection is usable.
func (conn *Connection) IsOpen() bool {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.connected
}

// ProtocolVersion returns the version negotiated by the last handshake.
func (conn *Connection) ProtocolVersion() uint32 {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.protocolVersion
}

// NoreplyInFlight reports the number of no-reply submissions not yet covered
// by a completed server-side wait. Drain accounting only.
func (conn *Connection) NoreplyInFlight() int {
	conn.lock.Lock()
	router := conn.router
	conn.lock.Unlock()
	if router == nil {
		return 0
	}
	return router.noreplyCount()
}

// AddListener registers a lifecycle listener for EventConnect or EventClose.
func (conn *Connection) AddListener(event string, listener func(*Connection)) error {
	return conn.events.addListener(event, listener)
}

// SetErrorHandler sets the handler receiving asynchronous failures, such as
// connection-fatal errors and server-side errors for no-reply queries.
func (conn *Connection) SetErrorHandler(errorHandler func(error)) *Connection {
	conn.lock.Lock()
	conn.errorHandler = errorHandler
	conn.lock.Unlock()
	return conn
}
