package main

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

const incorrectKeyMessage = "ERROR: Incorrect authorization key."

// handshake performs the version and auth key exchange. A rejected key is
// answered with a NUL-terminated reason before the connection drops, which
// is exactly what drivers surface to their callers.
func (s *server) handshake(conn net.Conn) error {
	prologue := make([]byte, 8)
	if _, err := io.ReadFull(conn, prologue); err != nil {
		return errors.Wrap(err, "read handshake prologue")
	}
	if magic := binary.LittleEndian.Uint32(prologue[:4]); magic != versionMagic {
		return errors.Errorf("unsupported protocol version %#x", magic)
	}

	key := make([]byte, binary.LittleEndian.Uint32(prologue[4:]))
	if _, err := io.ReadFull(conn, key); err != nil {
		return errors.Wrap(err, "read auth key")
	}

	wireTag := make([]byte, 4)
	if _, err := io.ReadFull(conn, wireTag); err != nil {
		return errors.Wrap(err, "read wire tag")
	}
	if tag := binary.LittleEndian.Uint32(wireTag); tag != wireJSON {
		return errors.Errorf("unsupported wire protocol %#x", tag)
	}

	if s.config.hangHandshake {
		// Never answer; the peer's handshake deadline has to fire.
		hold := make([]byte, 1)
		_, _ = conn.Read(hold)
		return errors.New("held handshake until peer gave up")
	}

	if s.config.challenge {
		if _, err := conn.Write([]byte("CHALLENGE fakerethink\x00")); err != nil {
			return errors.Wrap(err, "write challenge")
		}
		response, err := readNulString(conn)
		if err != nil {
			return errors.Wrap(err, "read challenge response")
		}
		key = []byte(response)
	}

	if string(key) != s.config.authKey {
		_, _ = conn.Write([]byte(incorrectKeyMessage + "\x00"))
		return errors.New("rejected auth key")
	}

	if _, err := conn.Write([]byte("SUCCESS\x00")); err != nil {
		return errors.Wrap(err, "write handshake success")
	}
	return nil
}

func readNulString(conn net.Conn) (string, error) {
	var collected []byte
	buffer := make([]byte, 1)
	for {
		if _, err := conn.Read(buffer); err != nil {
			return "", err
		}
		if buffer[0] == 0 {
			return string(collected), nil
		}
		collected = append(collected, buffer[0])
	}
}
