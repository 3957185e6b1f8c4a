package rethink

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// ConnectionCache is the caller-level reconnection policy: it hands out a
// cached connection after probing it with a trivial no-op request, and when
// the probe fails with a connectivity-classified error it discards the stale
// connection and establishes a replacement. Concurrent callers hitting the
// same stale connection share a single re-establishment. Nothing here is
// automatic; replacement happens only when Acquire is called.
type ConnectionCache struct {
	options ConnectOptions

	lock  sync.Mutex
	conn  *Connection
	group singleflight.Group

	// newBackOff builds the redial wait policy for one replacement attempt.
	newBackOff func() backoff.BackOff
}

// NewConnectionCache builds a cache for the given endpoint. No connection is
// established until the first Acquire.
func NewConnectionCache(options ConnectOptions) *ConnectionCache {
	return &ConnectionCache{
		options: options.withDefaults(),
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 50 * time.Millisecond
			policy.MaxElapsedTime = 15 * time.Second
			return policy
		},
	}
}

// Acquire returns a usable connection, probing any cached one first and
// replacing it transparently when the probe reports a dead connection.
func (cache *ConnectionCache) Acquire() (*Connection, error) {
	cache.lock.Lock()
	conn := cache.conn
	cache.lock.Unlock()

	if conn != nil {
		err := conn.NoreplyWait()
		if err == nil {
			return conn, nil
		}
		if !IsConnectivityError(err) {
			return nil, err
		}
	}

	value, err, _ := cache.group.Do("connect", func() (interface{}, error) {
		cache.lock.Lock()
		current := cache.conn
		cache.lock.Unlock()

		// Another caller may have replaced the connection already.
		if current != nil && current != conn && current.IsOpen() {
			return current, nil
		}
		if current != nil {
			_ = current.Close(CloseOptions{NoreplyWait: false})
		}

		replacement, dialErr := cache.establish()
		if dialErr != nil {
			return nil, dialErr
		}

		cache.lock.Lock()
		cache.conn = replacement
		cache.lock.Unlock()
		return replacement, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Connection), nil
}

func (cache *ConnectionCache) establish() (*Connection, error) {
	var conn *Connection

	operation := func() error {
		fresh, err := Connect(cache.options)
		if err != nil {
			if !IsConnectivityError(err) {
				// Authentication and argument failures will not improve
				// with another attempt.
				return backoff.Permanent(err)
			}
			return err
		}
		conn = fresh
		return nil
	}

	if err := backoff.Retry(operation, cache.newBackOff()); err != nil {
		return nil, err
	}
	return conn, nil
}

// Invalidate drops the cached connection without closing it. The next
// Acquire establishes a fresh one.
func (cache *ConnectionCache) Invalidate() {
	cache.lock.Lock()
	cache.conn = nil
	cache.lock.Unlock()
}

// Close closes and forgets the cached connection.
func (cache *ConnectionCache) Close() error {
	cache.lock.Lock()
	conn := cache.conn
	cache.conn = nil
	cache.lock.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
