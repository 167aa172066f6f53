/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpc

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/ldm7/umm/clientauth"
	"github.com/ldm7/umm/internal/log"
	"github.com/ldm7/umm/pool"
)

// Backend is what the server drives on behalf of RESERVE_ADDR,
// RELEASE_ADDR, and ALLOW_ADDR: the sender child's own subnet pool and
// authorizer for its one fixed feed.
type Backend struct {
	Pool *pool.Pool
	Auth *clientauth.Authorizer
	Feed clientauth.Feed
}

type serverState int

const (
	stateNew serverState = iota
	stateRunning
	stateStopped
)

// Server is the Client-Address RPC Service (spec.md section 4.D): a
// local TCP server fronted by a shared-secret preamble, serving
// RESERVE_ADDR / RELEASE_ADDR / ALLOW_ADDR / CLOSE against a Backend.
type Server struct {
	backend Backend
	lg      *log.Logger

	mu     sync.Mutex
	state  serverState
	ln     net.Listener
	secret uint64
	port   int
	home   string
	wg     sync.WaitGroup
}

// NewServer constructs a Server in state NEW.
func NewServer(backend Backend, lg *log.Logger) *Server {
	if lg == nil {
		lg = log.NewDiscard()
	}
	return &Server{backend: backend, lg: lg, state: stateNew}
}

// Start binds a loopback port, publishes the shared secret to
// $HOME/mldmrpc_<port>, and begins the accept loop in a background
// goroutine. Returns the OS-assigned port.
func (s *Server) Start(home string) (port int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNew {
		return 0, errors.New("rpc: server already started")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.state = stateStopped
		return 0, err
	}
	port = ln.Addr().(*net.TCPAddr).Port
	if home == "" {
		home = os.Getenv("HOME")
	}
	secret := genSecret()
	if _, err = writeSecretFile(home, port, secret); err != nil {
		ln.Close()
		s.state = stateStopped
		return 0, err
	}

	s.ln = ln
	s.secret = secret
	s.port = port
	s.home = home
	s.state = stateRunning

	s.wg.Add(1)
	go s.acceptLoop()
	return port, nil
}

// Port returns the bound port; valid once Start has returned.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Closing the listener (Stop) is the only expected cause;
			// anything else is an OS-level accept failure and is fatal
			// to the loop, per spec.md section 4.D.
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	secret, err := readSecret(conn)
	if err != nil {
		s.lg.Warn("failed to read rpc preamble", log.KVErr(err))
		return
	}
	if secret != s.secret {
		// Authentication failure: close immediately, before any action
		// byte is accepted. Not logged at error level; this is an
		// expected, non-SYSTEM outcome.
		return
	}

	for {
		action, ok := readAction(conn)
		if !ok || action == Close {
			return
		}
		if err := s.handle(conn, action); err != nil {
			s.lg.Warn("rpc request failed", log.KV("action", int(action)), log.KVErr(err))
			return
		}
	}
}

func (s *Server) handle(conn net.Conn, action Action) error {
	switch action {
	case ReserveAddr:
		a, err := s.backend.Pool.Reserve()
		var wire uint32
		if err == nil {
			wire = uint32(a)
			s.backend.Auth.Authorize(a, s.backend.Feed)
		} // POOL_EXHAUSTED: wire stays 0 (0.0.0.0), per spec.md
		return writeAddr(conn, wire)

	case ReleaseAddr:
		raw, err := readAddr(conn)
		if err != nil {
			return err
		}
		a := pool.Addr(raw)
		if err := s.backend.Pool.Release(a); err != nil {
			return writeStatus(conn, StatusNoEnt)
		}
		s.backend.Auth.Unauthorize(a, s.backend.Feed)
		return writeStatus(conn, StatusOK)

	case AllowAddr:
		raw, err := readAddr(conn)
		if err != nil {
			return err
		}
		s.backend.Auth.Authorize(pool.Addr(raw), s.backend.Feed)
		return writeStatus(conn, StatusOK)
	}
	return errors.New("rpc: unknown action")
}

// Stop closes the listening socket to unblock accept, waits for
// in-flight connections to finish, and unlinks the secret file.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	ln := s.ln
	home, port := s.home, s.port
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	if rerr := removeSecretFile(home, port); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
