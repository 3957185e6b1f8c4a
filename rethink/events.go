package rethink

import "sync"

// Lifecycle events observable on a Connection. The contract is explicit
// listener registration: connect fires once the handshake is ready, close
// fires once the transport is fully shut down, each exactly once per
// connect/close cycle, to every registered listener.
const (
	EventConnect = "connect"
	EventClose   = "close"
)

type eventRegistry struct {
	lock             sync.Mutex
	connectListeners []func(*Connection)
	closeListeners   []func(*Connection)

	connectEmitted bool
	closeEmitted   bool
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{}
}

func (registry *eventRegistry) addListener(event string, listener func(*Connection)) error {
	if listener == nil {
		return NewDriverError(InvalidArgumentError, "Listener must not be nil.")
	}

	registry.lock.Lock()
	defer registry.lock.Unlock()

	switch event {
	case EventConnect:
		registry.connectListeners = append(registry.connectListeners, listener)
	case EventClose:
		registry.closeListeners = append(registry.closeListeners, listener)
	default:
		return NewDriverError(InvalidArgumentError, "Unrecognized event `%s`.", event)
	}
	return nil
}

// emitConnect notifies connect listeners once per cycle and re-arms the
// close event for the new cycle.
func (registry *eventRegistry) emitConnect(conn *Connection) {
	registry.lock.Lock()
	if registry.connectEmitted {
		registry.lock.Unlock()
		return
	}
	registry.connectEmitted = true
	registry.closeEmitted = false
	listeners := append([]func(*Connection){}, registry.connectListeners...)
	registry.lock.Unlock()

	for _, listener := range listeners {
		listener(conn)
	}
}

// emitClose notifies close listeners once per cycle and re-arms the connect
// event so a later reconnect announces itself.
func (registry *eventRegistry) emitClose(conn *Connection) {
	registry.lock.Lock()
	if registry.closeEmitted {
		registry.lock.Unlock()
		return
	}
	registry.closeEmitted = true
	registry.connectEmitted = false
	listeners := append([]func(*Connection){}, registry.closeListeners...)
	registry.lock.Unlock()

	for _, listener := range listeners {
		listener(conn)
	}
}
