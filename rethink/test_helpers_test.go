package rethink

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// testServer speaks the driver wire protocol well enough to exercise the
// connection core: handshake with auth key verification, atom and streamed
// responses, no-reply accounting, and noreply-wait draining. Terms are tiny
// control documents:
//
//	null                     -> atom null
//	{"$echo": v}             -> atom v
//	{"$range": n}            -> n rows streamed in batches of 2
//	{"$error": "m"}          -> runtime error m
//	{"$sleep": ms}           -> atom null after ms milliseconds
//	{"$opts": true}          -> atom echoing the global options object
type testServerOptions struct {
	authKey          string
	requireChallenge bool
	silentHandshake  bool
}

type testServer struct {
	listener net.Listener
	options  testServerOptions

	lock  sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &testServer{listener: listener, options: options}

	server.wg.Add(1)
	go server.acceptLoop()

	t.Cleanup(server.stop)
	return server
}

func (server *testServer) hostPort() (string, int) {
	address := server.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", address.Port
}

func (server *testServer) connectOptions() ConnectOptions {
	host, port := server.hostPort()
	return ConnectOptions{Host: host, Port: port, AuthKey: server.options.authKey, Timeout: 5 * time.Second}
}

func (server *testServer) stop() {
	_ = server.listener.Close()
	server.lock.Lock()
	for _, conn := range server.conns {
		_ = conn.Close()
	}
	server.conns = nil
	server.lock.Unlock()
	server.wg.Wait()
}

func (server *testServer) acceptLoop() {
	defer server.wg.Done()
	for {
		conn, err := server.listener.Accept()
		if err != nil {
			return
		}
		server.lock.Lock()
		server.conns = append(server.conns, conn)
		server.lock.Unlock()

		server.wg.Add(1)
		go server.serveConn(conn)
	}
}

type testStream struct {
	remaining int
}

func (server *testServer) serveConn(conn net.Conn) {
	defer server.wg.Done()
	defer conn.Close()

	if !server.handshake(conn) {
		return
	}

	var writeLock sync.Mutex
	var noreplyWork sync.WaitGroup
	streams := make(map[uint64]*testStream)

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		token := binary.LittleEndian.Uint64(header[:8])
		payload := make([]byte, binary.LittleEndian.Uint32(header[8:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		var query []json.RawMessage
		if err := json.Unmarshal(payload, &query); err != nil || len(query) == 0 {
			return
		}
		queryType, _ := strconv.Atoi(string(query[0]))

		switch queryType {
		case queryTypeStart:
			server.handleStart(conn, &writeLock, &noreplyWork, streams, token, query)
		case queryTypeContinue:
			server.handleContinue(conn, &writeLock, streams, token)
		case queryTypeStop:
			delete(streams, token)
			writeTestResponse(conn, &writeLock, token, ResponseSuccessSequence, nil)
		case queryTypeNoreplyWait:
			server.wg.Add(1)
			go func(token uint64) {
				defer server.wg.Done()
				noreplyWork.Wait()
				writeTestResponse(conn, &writeLock, token, ResponseWaitComplete, nil)
			}(token)
		}
	}
}

func (server *testServer) handshake(conn net.Conn) bool {
	prologue := make([]byte, 8)
	if _, err := io.ReadFull(conn, prologue); err != nil {
		return false
	}
	key := make([]byte, binary.LittleEndian.Uint32(prologue[4:]))
	if _, err := io.ReadFull(conn, key); err != nil {
		return false
	}
	wireTag := make([]byte, 4)
	if _, err := io.ReadFull(conn, wireTag); err != nil {
		return false
	}

	if server.options.silentHandshake {
		// Hold the socket open without ever answering.
		hold := make([]byte, 1)
		_, _ = conn.Read(hold)
		return false
	}

	if server.options.requireChallenge {
		if _, err := conn.Write([]byte("CHALLENGE nonce\x00")); err != nil {
			return false
		}
		response, err := readNulString(conn)
		if err != nil {
			return false
		}
		key = []byte(response)
	}

	if string(key) != server.options.authKey {
		_, _ = conn.Write([]byte("ERROR: Incorrect authorization key.\x00"))
		return false
	}
	_, err := conn.Write([]byte("SUCCESS\x00"))
	return err == nil
}

func (server *testServer) handleStart(
	conn net.Conn,
	writeLock *sync.Mutex,
	noreplyWork *sync.WaitGroup,
	streams map[uint64]*testStream,
	token uint64,
	query []json.RawMessage,
) {
	var term map[string]json.RawMessage
	if len(query) > 1 {
		_ = json.Unmarshal(query[1], &term)
	}
	var options map[string]json.RawMessage
	if len(query) > 2 {
		_ = json.Unmarshal(query[2], &options)
	}
	noreply := string(options["noreply"]) == "true"

	if raw, ok := term["$sleep"]; ok {
		var millis int
		_ = json.Unmarshal(raw, &millis)
		if noreply {
			noreplyWork.Add(1)
		}
		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			time.Sleep(time.Duration(millis) * time.Millisecond)
			if noreply {
				noreplyWork.Done()
				return
			}
			writeTestResponse(conn, writeLock, token, ResponseSuccessAtom, []json.RawMessage{json.RawMessage("null")})
		}()
		return
	}

	if noreply {
		return
	}

	switch {
	case term["$echo"] != nil:
		writeTestResponse(conn, writeLock, token, ResponseSuccessAtom, []json.RawMessage{term["$echo"]})
	case term["$error"] != nil:
		writeTestResponse(conn, writeLock, token, ResponseRuntimeError, []json.RawMessage{term["$error"]})
	case term["$range"] != nil:
		var count int
		_ = json.Unmarshal(term["$range"], &count)
		streams[token] = &testStream{remaining: count}
		server.emitBatch(conn, writeLock, streams, token)
	case term["$opts"] != nil:
		encoded, _ := json.Marshal(options)
		writeTestResponse(conn, writeLock, token, ResponseSuccessAtom, []json.RawMessage{encoded})
	default:
		writeTestResponse(conn, writeLock, token, ResponseSuccessAtom, []json.RawMessage{json.RawMessage("null")})
	}
}

func (server *testServer) handleContinue(conn net.Conn, writeLock *sync.Mutex, streams map[uint64]*testStream, token uint64) {
	if _, exists := streams[token]; !exists {
		writeTestResponse(conn, writeLock, token, ResponseClientError, []json.RawMessage{json.RawMessage(`"Token not in stream cache."`)})
		return
	}
	server.emitBatch(conn, writeLock, streams, token)
}

func (server *testServer) emitBatch(conn net.Conn, writeLock *sync.Mutex, streams map[uint64]*testStream, token uint64) {
	stream := streams[token]
	batch := 2
	if stream.remaining < batch {
		batch = stream.remaining
	}

	rows := make([]json.RawMessage, 0, batch)
	for i := 0; i < batch; i++ {
		rows = append(rows, json.RawMessage(strconv.Itoa(stream.remaining-i)))
	}
	stream.remaining -= batch

	if stream.remaining > 0 {
		writeTestResponse(conn, writeLock, token, ResponseSuccessPartial, rows)
		return
	}
	delete(streams, token)
	writeTestResponse(conn, writeLock, token, ResponseSuccessSequence, rows)
}

func writeTestResponse(conn net.Conn, writeLock *sync.Mutex, token uint64, responseType int, rows []json.RawMessage) {
	if rows == nil {
		rows = []json.RawMessage{}
	}
	payload, _ := json.Marshal(wireResponse{Type: responseType, Results: rows})

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame[:8], token)
	binary.LittleEndian.PutUint32(frame[8:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	writeLock.Lock()
	_, _ = conn.Write(frame)
	writeLock.Unlock()
}
