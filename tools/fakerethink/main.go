// Package main implements fakerethink — a deterministic RethinkDB-style
// wire-protocol responder for integration testing of the driver connection
// core. It models the handshake (version exchange, auth key verification,
// optional challenge-response), token-correlated query traffic with atom,
// streamed, and error responses, no-reply execution accounting, and
// noreply-wait draining.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	flagAddr      = flag.String("addr", "127.0.0.1:28015", "listen address")
	flagAuthKey   = flag.String("auth-key", "", "required auth key (empty disables auth)")
	flagChallenge = flag.Bool("auth-challenge", false, "require two-step challenge-response authentication")
	flagLatency   = flag.Duration("latency", 0, "artificial per-response latency")
	flagLogConn   = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagHang      = flag.Bool("hang-handshake", false, "accept connections but never answer the handshake")
)

type serverConfig struct {
	authKey       string
	challenge     bool
	latency       time.Duration
	logConn       bool
	hangHandshake bool
}

type server struct {
	config serverConfig
}

func newServer(config serverConfig) *server {
	return &server{config: config}
}

// run serves connections until ctx is cancelled. Per-connection goroutines
// are supervised by one errgroup so a listener failure tears everything
// down together.
func (s *server) run(ctx context.Context, listener net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			group.Go(func() error {
				defer conn.Close()
				if s.config.logConn {
					log.Printf("connect %s", conn.RemoteAddr())
				}
				err := s.serveConn(ctx, conn)
				if s.config.logConn {
					log.Printf("disconnect %s (%v)", conn.RemoteAddr(), err)
				}
				return nil
			})
		}
	})

	err := group.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func main() {
	flag.Parse()

	listener, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", *flagAddr, err)
	}
	log.Printf("fakerethink listening on %s", listener.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := newServer(serverConfig{
		authKey:       *flagAuthKey,
		challenge:     *flagChallenge,
		latency:       *flagLatency,
		logConn:       *flagLogConn,
		hangHandshake: *flagHang,
	})
	if err := server.run(ctx, listener); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
