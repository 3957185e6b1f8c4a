package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Wire constants shared with the driver.
const (
	versionMagic uint32 = 0x5f75e83e
	wireJSON     uint32 = 0x7e6970c7

	frameHeaderSize = 12

	queryStart       = 1
	queryContinue    = 2
	queryStop        = 3
	queryNoreplyWait = 4

	responseAtom         = 1
	responseSequence     = 2
	responsePartial      = 3
	responseWaitComplete = 4
	responseClientError  = 16
	responseRuntimeError = 18
)

const streamBatchSize = 4

// session is the per-connection protocol state: open streams keyed by token
// and the accounting of no-reply work still executing.
type session struct {
	server *server
	conn   net.Conn

	writeLock sync.Mutex
	noreply   sync.WaitGroup
	streams   map[uint64]*stream

	background sync.WaitGroup
}

type stream struct {
	next      int
	remaining int
}

func (s *server) serveConn(ctx context.Context, conn net.Conn) error {
	if err := s.handshake(conn); err != nil {
		return err
	}

	sess := &session{server: s, conn: conn, streams: make(map[uint64]*stream)}
	defer sess.background.Wait()

	header := make([]byte, frameHeaderSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(conn, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read frame header")
		}
		token := binary.LittleEndian.Uint64(header[:8])
		payload := make([]byte, binary.LittleEndian.Uint32(header[8:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return errors.Wrap(err, "read frame payload")
		}

		if err := sess.dispatch(token, payload); err != nil {
			return err
		}
	}
}

func (sess *session) dispatch(token uint64, payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return errors.Errorf("invalid query payload for token %d", token)
	}
	query := gjson.ParseBytes(payload)
	queryType := query.Get("0").Int()

	switch queryType {
	case queryStart:
		sess.handleStart(token, query.Get("1"), query.Get("2"))
	case queryContinue:
		sess.handleContinue(token)
	case queryStop:
		delete(sess.streams, token)
		sess.writeResponse(token, responseSequence, nil)
	case queryNoreplyWait:
		sess.background.Add(1)
		go func() {
			defer sess.background.Done()
			sess.noreply.Wait()
			sess.writeResponse(token, responseWaitComplete, nil)
		}()
	default:
		sess.writeResponse(token, responseClientError,
			[]json.RawMessage{mustJSON("Unknown query type " + strconv.FormatInt(queryType, 10) + ".")})
	}
	return nil
}

// handleStart interprets the tiny control-term vocabulary: $echo, $error,
// $range, $sleep, and $opts. Anything else is answered with an atom null,
// which is all a connection-level driver test needs.
func (sess *session) handleStart(token uint64, term gjson.Result, options gjson.Result) {
	noreply := options.Get("noreply").Bool()

	if sleep := term.Get("$sleep"); sleep.Exists() {
		duration := time.Duration(sleep.Int()) * time.Millisecond
		if noreply {
			sess.noreply.Add(1)
		}
		sess.background.Add(1)
		go func() {
			defer sess.background.Done()
			time.Sleep(duration)
			if noreply {
				sess.noreply.Done()
				return
			}
			sess.writeResponse(token, responseAtom, []json.RawMessage{json.RawMessage("null")})
		}()
		return
	}

	if noreply {
		return
	}

	switch {
	case term.Get("$echo").Exists():
		sess.writeResponse(token, responseAtom, []json.RawMessage{json.RawMessage(term.Get("$echo").Raw)})
	case term.Get("$error").Exists():
		sess.writeResponse(token, responseRuntimeError, []json.RawMessage{json.RawMessage(term.Get("$error").Raw)})
	case term.Get("$range").Exists():
		sess.streams[token] = &stream{next: 0, remaining: int(term.Get("$range").Int())}
		sess.emitBatch(token)
	case term.Get("$opts").Exists():
		raw := options.Raw
		if raw == "" {
			raw = "{}"
		}
		sess.writeResponse(token, responseAtom, []json.RawMessage{json.RawMessage(raw)})
	default:
		sess.writeResponse(token, responseAtom, []json.RawMessage{json.RawMessage("null")})
	}
}

func (sess *session) handleContinue(token uint64) {
	if _, exists := sess.streams[token]; !exists {
		sess.writeResponse(token, responseClientError, []json.RawMessage{mustJSON("Token not in stream cache.")})
		return
	}
	sess.emitBatch(token)
}

func (sess *session) emitBatch(token uint64) {
	current := sess.streams[token]

	batch := streamBatchSize
	if current.remaining < batch {
		batch = current.remaining
	}
	rows := make([]json.RawMessage, 0, batch)
	for i := 0; i < batch; i++ {
		rows = append(rows, json.RawMessage(strconv.Itoa(current.next)))
		current.next++
	}
	current.remaining -= batch

	if current.remaining > 0 {
		sess.writeResponse(token, responsePartial, rows)
		return
	}
	delete(sess.streams, token)
	sess.writeResponse(token, responseSequence, rows)
}

type wireResponse struct {
	Type    int               `json:"t"`
	Results []json.RawMessage `json:"r"`
}

func (sess *session) writeResponse(token uint64, responseType int, rows []json.RawMessage) {
	if sess.server.config.latency > 0 {
		time.Sleep(sess.server.config.latency)
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	payload, _ := json.Marshal(wireResponse{Type: responseType, Results: rows})

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame[:8], token)
	binary.LittleEndian.PutUint32(frame[8:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	sess.writeLock.Lock()
	_, _ = sess.conn.Write(frame)
	sess.writeLock.Unlock()
}

func mustJSON(value interface{}) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return encoded
}
