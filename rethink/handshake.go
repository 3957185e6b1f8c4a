package rethink

import (
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"time"
)

// Handshake negotiator states. The challenge states are traversed only when
// the server answers the version exchange with a challenge marker; the v0
// scheme sends the auth key together with the version and never does.
const (
	handshakeStateStart = iota
	handshakeStateVersionSent
	handshakeStateAuthChallengeReceived
	handshakeStateAuthResponseSent
	handshakeStateReady
	handshakeStateFailed
)

const handshakeChallengePrefix = "CHALLENGE "

// handshakeSession negotiates protocol version and authentication on a fresh
// transport, before any query traffic. It owns its own deadline: a timed-out
// or rejected handshake closes the transport so no partially-open socket
// leaks.
type handshakeSession struct {
	authKey string
	timeout time.Duration

	state             int
	negotiatedVersion uint32
}

func newHandshakeSession(authKey string, timeout time.Duration) *handshakeSession {
	return &handshakeSession{
		authKey: authKey,
		timeout: timeout,
		state:   handshakeStateStart,
	}
}

// run drives the state machine to Ready or Failed. On failure the transport
// is closed and the returned error carries the classified reason.
func (session *handshakeSession) run(t *transport) error {
	err := session.negotiate(t)
	if err != nil {
		session.state = handshakeStateFailed
		t.close()
		return err
	}

	session.state = handshakeStateReady
	session.negotiatedVersion = protocolVersionMagic
	_ = t.conn.SetDeadline(time.Time{})
	return nil
}

func (session *handshakeSession) negotiate(t *transport) error {
	deadline := time.Now().Add(session.timeout)
	if err := t.conn.SetDeadline(deadline); err != nil {
		return NewDriverError(UnknownError, "Handshake failed: %v", err)
	}

	if err := session.sendVersion(t); err != nil {
		return session.classify(err)
	}
	session.state = handshakeStateVersionSent

	reply, err := readNulString(t.conn)
	if err != nil {
		return session.classifyReply(reply, err)
	}

	if strings.HasPrefix(reply, handshakeChallengePrefix) {
		session.state = handshakeStateAuthChallengeReceived
		if err := session.sendChallengeResponse(t); err != nil {
			return session.classify(err)
		}
		session.state = handshakeStateAuthResponseSent

		reply, err = readNulString(t.conn)
		if err != nil {
			return session.classifyReply(reply, err)
		}
	}

	if reply != handshakeSuccess {
		return NewDriverError(AuthenticationError, "Server dropped connection with message: %q", reply)
	}
	return nil
}

func (session *handshakeSession) sendVersion(t *transport) error {
	key := []byte(session.authKey)

	message := make([]byte, 0, 12+len(key))
	message = binary.LittleEndian.AppendUint32(message, protocolVersionMagic)
	message = binary.LittleEndian.AppendUint32(message, uint32(len(key)))
	message = append(message, key...)
	message = binary.LittleEndian.AppendUint32(message, protocolWireJSON)

	_, err := t.conn.Write(message)
	return err
}

func (session *handshakeSession) sendChallengeResponse(t *transport) error {
	response := append([]byte(session.authKey), 0)
	_, err := t.conn.Write(response)
	return err
}

func (session *handshakeSession) classify(cause error) error {
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return NewDriverError(HandshakeTimeoutError, "Handshake timedout")
	}
	return NewDriverError(UnreachableError, "Handshake failed: %v", cause)
}

// classifyReply handles a reply read that failed partway. A server that
// rejects the handshake writes its reason and drops the connection; if the
// terminator never arrived, whatever was read is still the reason.
func (session *handshakeSession) classifyReply(partial string, cause error) error {
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return NewDriverError(HandshakeTimeoutError, "Handshake timedout")
	}
	if partial != "" {
		return NewDriverError(AuthenticationError, "Server dropped connection with message: %q", partial)
	}
	return session.classify(cause)
}

// readNulString reads a NUL-terminated ASCII reply one byte at a time. The
// server sends nothing after the terminator until query traffic starts, so
// no over-read can swallow frame bytes.
func readNulString(conn net.Conn) (string, error) {
	var builder strings.Builder
	buffer := make([]byte, 1)
	for {
		if _, err := conn.Read(buffer); err != nil {
			return builder.String(), err
		}
		if buffer[0] == 0 {
			return builder.String(), nil
		}
		builder.WriteByte(buffer[0])
	}
}
