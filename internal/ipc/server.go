package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
)

// Controller is the slice of the connection state machine the control
// surface drives. *supervisor.Manager satisfies it.
type Controller interface {
	State() (core.ConnectionState, error)
	Stats() core.ConnectionStats
	Connect() error
	Disconnect() error
	SwitchConfig(id string) error
}

// Server serves the control protocol to any number of concurrent
// frontend connections.
type Server struct {
	ctrl    Controller
	store   *config.Store
	ring    *core.LogRing
	tracker *ConnTracker

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewServer builds a server over the given controller and config
// store. ring may be nil when log streaming is not wanted; tracker may
// be nil when idle detection is not wanted.
func NewServer(ctrl Controller, store *config.Store, ring *core.LogRing, tracker *ConnTracker) *Server {
	return &Server{
		ctrl:    ctrl,
		store:   store,
		ring:    ring,
		tracker: tracker,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Stop is called. Each
// connection is handled on its own goroutine. Blocks; returns nil
// after Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("ipc: server stopped")
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			core.Log.Errorf("IPC", "Accept: %v", err)
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and every live connection, then waits for
// the handler goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if s.tracker != nil {
		s.tracker.ClientConnected()
		defer s.tracker.ClientDisconnected()
	}

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				core.Log.Debugf("IPC", "Read request: %v", err)
			}
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			core.Log.Debugf("IPC", "Write response: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	var err error
	switch req.Op {
	case OpStatus:
		// Status is pure read, handled below.
	case OpConnect:
		err = s.ctrl.Connect()
	case OpDisconnect:
		err = s.ctrl.Disconnect()
	case OpSwitch:
		err = s.ctrl.SwitchConfig(req.ID)
	case OpConfigs:
		return s.configsResponse()
	case OpLogs:
		resp := s.statusResponse()
		if s.ring != nil {
			resp.Logs = s.ring.Drain()
		}
		return resp
	default:
		return Response{Error: "unknown operation " + req.Op}
	}

	resp := s.statusResponse()
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
	}
	return resp
}

// statusResponse snapshots the live state into an OK response.
func (s *Server) statusResponse() Response {
	state, stateErr := s.ctrl.State()
	stats := s.ctrl.Stats()
	resp := Response{
		OK:    true,
		State: state.String(),
		Stats: &stats,
	}
	if stateErr != nil {
		resp.StateError = stateErr.Error()
	}
	return resp
}

func (s *Server) configsResponse() Response {
	resp := s.statusResponse()
	resp.Configs = s.store.List()
	if sel, ok := s.store.Selected(); ok {
		resp.SelectedID = sel.ID
	}
	return resp
}
