// Package server runs the line-framed XML protocol: one listener, one
// goroutine per accepted connection. Requests on a connection are served
// strictly in received order; connections are otherwise independent.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exstack/exchange/pkg/wire"
)

// Handler turns one request payload into one response payload. It must
// not fail: protocol-level errors are encoded in the response.
type Handler interface {
	Process(ctx context.Context, payload []byte) []byte
}

type Server struct {
	addr     string
	maxFrame int
	handler  Handler
	log      *zap.SugaredLogger
	ln       net.Listener
}

func New(addr string, maxFrame int, h Handler, log *zap.SugaredLogger) *Server {
	return &Server{addr: addr, maxFrame: maxFrame, handler: h, log: log}
}

// Listen binds the listener. Separate from Serve so tests can bind to
// port 0 and read the effective address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Infow("server_listening", "addr", s.ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorw("accept", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// handleConn services one connection until EOF or a framing error. A bad
// frame kills only this connection; in-flight database transactions roll
// back with it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()[:8]
	s.log.Infow("client_connected", "conn", connID, "remote", conn.RemoteAddr().String())

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		payload, err := wire.ReadFrame(br, s.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Infow("client_disconnected", "conn", connID)
			} else {
				s.log.Warnw("read_frame", "conn", connID, "err", err)
			}
			return
		}

		resp := s.handler.Process(ctx, payload)

		if err := wire.WriteFrame(bw, resp); err != nil {
			s.log.Warnw("write_frame", "conn", connID, "err", err)
			return
		}
		if err := bw.Flush(); err != nil {
			s.log.Warnw("flush_frame", "conn", connID, "err", err)
			return
		}
	}
}
