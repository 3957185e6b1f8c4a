package rethink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// transport owns a single TCP stream and frames query traffic onto it. Frames
// are an 8-byte little-endian token, a 4-byte little-endian payload length,
// and the payload. Writes are serialized by a lock; receiveFrame has a single
// caller (the connection's receive loop) and needs none.
type transport struct {
	conn net.Conn

	sendLock   sync.Mutex
	sendBuffer bytes.Buffer

	receiveBuffer   []byte
	readPosition    int
	receivePosition int

	closeOnce sync.Once
}

func openTransport(host string, port int, timeout time.Duration) (*transport, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, classifyConnectError(host, port, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return &transport{
		conn:          conn,
		receiveBuffer: make([]byte, 32*1024),
	}, nil
}

func classifyConnectError(host string, port int, cause error) error {
	message := fmt.Sprintf("Could not connect to %s:%d.\n%v", host, port, cause)

	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return NewDriverError(ConnectTimeoutError, "%s", message)
	}
	if errors.Is(cause, syscall.ECONNREFUSED) {
		return NewDriverError(ConnectionRefusedError, "%s", message)
	}
	return NewDriverError(UnreachableError, "%s", message)
}

func (t *transport) sendFrame(token uint64, payload []byte) error {
	t.sendLock.Lock()
	defer t.sendLock.Unlock()

	t.sendBuffer.Reset()

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:8], token)
	binary.LittleEndian.PutUint32(header[8:], uint32(len(payload)))
	t.sendBuffer.Write(header[:])
	t.sendBuffer.Write(payload)

	if _, err := t.conn.Write(t.sendBuffer.Bytes()); err != nil {
		return NewDriverError(ConnectionClosedError, "Connection is closed.")
	}
	return nil
}

// receiveFrame blocks until a full frame is available, reassembling short
// reads. The returned payload is copied out of the reusable receive buffer.
func (t *transport) receiveFrame() (uint64, []byte, error) {
	for t.receivePosition-t.readPosition < frameHeaderSize {
		if err := t.fill(); err != nil {
			return 0, nil, err
		}
	}

	header := t.receiveBuffer[t.readPosition:]
	token := binary.LittleEndian.Uint64(header[:8])
	payloadLength := int(binary.LittleEndian.Uint32(header[8:frameHeaderSize]))

	frameEnd := t.readPosition + frameHeaderSize + payloadLength
	for frameEnd > t.receivePosition {
		if frameEnd > len(t.receiveBuffer) {
			if frameHeaderSize+payloadLength > len(t.receiveBuffer) {
				grown := make([]byte, 2*(frameHeaderSize+payloadLength))
				copy(grown, t.receiveBuffer[t.readPosition:t.receivePosition])
				t.receiveBuffer = grown
			} else {
				copy(t.receiveBuffer, t.receiveBuffer[t.readPosition:t.receivePosition])
			}
			t.receivePosition -= t.readPosition
			frameEnd -= t.readPosition
			t.readPosition = 0
		}
		if err := t.fill(); err != nil {
			return 0, nil, err
		}
	}

	payload := make([]byte, payloadLength)
	copy(payload, t.receiveBuffer[t.readPosition+frameHeaderSize:frameEnd])

	if frameEnd == t.receivePosition {
		t.readPosition = 0
		t.receivePosition = 0
	} else {
		t.readPosition = frameEnd
	}

	return token, payload, nil
}

func (t *transport) fill() error {
	if t.receivePosition == len(t.receiveBuffer) {
		grown := make([]byte, 2*len(t.receiveBuffer))
		copy(grown, t.receiveBuffer[t.readPosition:t.receivePosition])
		t.receivePosition -= t.readPosition
		t.readPosition = 0
		t.receiveBuffer = grown
	}

	count, err := t.conn.Read(t.receiveBuffer[t.receivePosition:])
	t.receivePosition += count
	if err != nil {
		return err
	}
	return nil
}

func (t *transport) close() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})
}
