/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpc

import (
	"fmt"
	"net"
	"sync"

	"github.com/ldm7/umm/pool"
)

// Client is the UMM-side counterpart of Server: it opens a single
// persistent connection, authenticates once, and reuses it for the
// lifetime of an UMM operation sequence (spec.md section 4.D). A call
// that fails on the connection returns the error and discards the
// connection; the next call opens and authenticates a new one.
type Client struct {
	mu   sync.Mutex
	host string
	port int
	home string
	conn net.Conn
}

// NewClient returns a client targeting the sender child's RPC port on
// 127.0.0.1. home is the directory the shared secret is read from
// (typically os.Getenv("HOME")).
func NewClient(port int, home string) *Client {
	return &Client{host: "127.0.0.1", port: port, home: home}
}

func (c *Client) ensureConn() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	secret, err := readSecretFile(c.home, c.port)
	if err != nil {
		return nil, fmt.Errorf("rpc client: reading secret: %w", err)
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port)))
	if err != nil {
		return nil, err
	}
	if err := writeSecret(conn, secret); err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// ReserveAddr asks the sender child to reserve a fresh subnet address.
// When the child's pool is exhausted it returns the zero address
// (0.0.0.0) with a nil error, exactly as the wire protocol reports it;
// callers should treat an all-zero result as exhaustion.
func (c *Client) ReserveAddr() (pool.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.ensureConn()
	if err != nil {
		return 0, err
	}
	if err := writeAction(conn, ReserveAddr); err != nil {
		c.dropConn()
		return 0, err
	}
	raw, err := readAddr(conn)
	if err != nil {
		c.dropConn()
		return 0, err
	}
	return pool.Addr(raw), nil
}

// ReleaseAddr asks the sender child to release addr.
func (c *Client) ReleaseAddr(addr pool.Addr) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.ensureConn()
	if err != nil {
		return 0, err
	}
	if err := writeAction(conn, ReleaseAddr); err != nil {
		c.dropConn()
		return 0, err
	}
	if err := writeAddr(conn, uint32(addr)); err != nil {
		c.dropConn()
		return 0, err
	}
	st, err := readStatus(conn)
	if err != nil {
		c.dropConn()
		return 0, err
	}
	return st, nil
}

// AllowAddr asks the sender child to authorize addr directly (the
// non-VLAN subscribe path).
func (c *Client) AllowAddr(addr pool.Addr) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.ensureConn()
	if err != nil {
		return 0, err
	}
	if err := writeAction(conn, AllowAddr); err != nil {
		c.dropConn()
		return 0, err
	}
	if err := writeAddr(conn, uint32(addr)); err != nil {
		c.dropConn()
		return 0, err
	}
	st, err := readStatus(conn)
	if err != nil {
		c.dropConn()
		return 0, err
	}
	return st, nil
}

// Close sends CLOSE and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	writeAction(c.conn, Close)
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
