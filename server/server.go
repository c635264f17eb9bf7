// Package server exposes the spi registry to local clients over a
// unix-domain socket. One accepted connection is one session: requests on a
// connection run sequentially, distinct connections run concurrently, and
// the connection tearing down is the exactly-once disconnect signal that
// sweeps the session's handles.
package server

import (
	"context"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/mangoh-io/spid/spi"
	"github.com/mangoh-io/spid/wire"
)

// Server serves the spid wire protocol.
type Server struct {
	registry *spi.Registry
	logger   golog.Logger

	mu                      sync.Mutex
	conns                   map[net.Conn]struct{}
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a server backed by the given registry.
func New(registry *spi.Registry, logger golog.Logger) *Server {
	return &Server{
		registry: registry,
		logger:   logger,
		conns:    map[net.Conn]struct{}{},
	}
}

// Serve listens on socketPath until ctx is canceled, then closes every live
// connection (sweeping each session) and returns. A stale socket file from a
// previous run is removed first.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "removing stale socket %q", socketPath)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrapf(err, "listening on %q", socketPath)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		<-ctx.Done()
		utils.UncheckedError(lis.Close())
	})

	s.logger.Infow("serving", "socket", socketPath)
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Errorw("accept failed", "error", err)
			continue
		}
		s.addConn(conn)
		s.activeBackgroundWorkers.Add(1)
		utils.PanicCapturingGo(func() {
			defer s.activeBackgroundWorkers.Done()
			s.handleConn(conn)
		})
	}

	if err := s.closeAllConns(); err != nil {
		s.logger.Warnw("connections did not close cleanly", "error", err)
	}
	s.activeBackgroundWorkers.Wait()
	return nil
}

func (s *Server) addConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAllConns() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for conn := range s.conns {
		err = multierr.Combine(err, conn.Close())
	}
	return err
}

// handleConn runs one session's request loop to completion. The sweep in the
// deferred teardown is the only disconnect notification the registry gets,
// and it runs strictly after the loop has stopped issuing calls, so a
// disconnecting session can never race its own sweep with a fresh open.
func (s *Server) handleConn(conn net.Conn) {
	session := spi.NewSessionID()
	logger := s.logger.With("session", session.String())
	logger.Debugw("session connected")
	defer func() {
		s.removeConn(conn)
		utils.UncheckedError(conn.Close())
		s.registry.SweepSession(session)
		logger.Debugw("session disconnected")
	}()

	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)
	for {
		var req wire.Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debugw("session read failed", "error", err)
			}
			return
		}
		resp, err := s.dispatch(session, &req)
		if err != nil {
			// A protocol violation gets no answer; the session is
			// terminated by severing the connection, which sweeps
			// whatever the session still holds.
			logger.Errorw("protocol violation; terminating session",
				"op", req.Op.String(), "error", err)
			return
		}
		if err := enc.Encode(resp); err != nil {
			logger.Debugw("session write failed", "error", err)
			return
		}
	}
}

// dispatch executes one request. A returned error means the caller violated
// the handle protocol and must be terminated rather than answered.
func (s *Server) dispatch(session spi.SessionID, req *wire.Request) (wire.Response, error) {
	switch req.Op {
	case wire.OpOpen:
		h, err := s.registry.Open(session, req.Name)
		return s.respond(err, func(resp *wire.Response) {
			resp.Handle = h.Bytes()
		})

	case wire.OpClose:
		h, err := spi.HandleFromBytes(req.Handle)
		if err != nil {
			return wire.Response{}, err
		}
		return s.respond(s.registry.Close(session, h), nil)

	case wire.OpConfigure:
		h, err := spi.HandleFromBytes(req.Handle)
		if err != nil {
			return wire.Response{}, err
		}
		order, err := bitOrder(req.Order)
		if err != nil {
			return wire.Response{Code: wire.CodeBadParameter}, nil
		}
		return s.respond(
			s.registry.Configure(session, h, spi.Mode(req.Mode), req.Bits, req.SpeedHz, order), nil)

	case wire.OpWrite:
		h, err := spi.HandleFromBytes(req.Handle)
		if err != nil {
			return wire.Response{}, err
		}
		return s.respond(s.registry.Write(session, h, req.Data), nil)

	case wire.OpRead:
		h, err := spi.HandleFromBytes(req.Handle)
		if err != nil {
			return wire.Response{}, err
		}
		rx, err := s.registry.Read(session, h, req.ReadLen)
		return s.respond(err, func(resp *wire.Response) {
			resp.Data = rx
		})

	case wire.OpWriteRead:
		h, err := spi.HandleFromBytes(req.Handle)
		if err != nil {
			return wire.Response{}, err
		}
		rx, err := s.registry.WriteRead(session, h, req.Data, req.ReadLen)
		return s.respond(err, func(resp *wire.Response) {
			resp.Data = rx
		})

	case wire.OpWriteReadFullDuplex:
		h, err := spi.HandleFromBytes(req.Handle)
		if err != nil {
			return wire.Response{}, err
		}
		rx, err := s.registry.WriteReadFullDuplex(session, h, req.Data, req.ReadLen)
		return s.respond(err, func(resp *wire.Response) {
			resp.Data = rx
		})

	default:
		return wire.Response{}, errors.Wrapf(spi.ErrProtocolViolation, "unknown op %d", req.Op)
	}
}

// respond maps a registry outcome onto a response frame, invoking onOK to
// attach payload on success.
func (s *Server) respond(err error, onOK func(*wire.Response)) (wire.Response, error) {
	code, answerable := wire.CodeFromError(err)
	if !answerable {
		return wire.Response{}, err
	}
	resp := wire.Response{Code: code}
	if err == nil && onOK != nil {
		onOK(&resp)
	}
	return resp, nil
}

func bitOrder(order int) (spi.BitOrder, error) {
	switch order {
	case int(spi.MSBFirst):
		return spi.MSBFirst, nil
	case int(spi.LSBFirst):
		return spi.LSBFirst, nil
	default:
		return 0, errors.Wrapf(spi.ErrBadParameter, "invalid bit order %d", order)
	}
}
