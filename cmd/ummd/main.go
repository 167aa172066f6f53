/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command ummd wires an umm.UpstreamManager loaded from a sender config
// file to a loopback control listener exposing subscribe/unsubscribe as
// line-delimited JSON (spec.md section 6's "upstream request-handler
// threads" stand-in) and to SIGINT/SIGTERM shutdown handling. Reaping
// exited sender children happens inside umm.UpstreamManager itself, via
// one goroutine per spawned child rather than a SIGCHLD handler (see
// DESIGN.md).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ldm7/umm/internal/config"
	"github.com/ldm7/umm/internal/log"
	"github.com/ldm7/umm/pool"
	"github.com/ldm7/umm/umm"
)

const defConfigLoc = `/etc/ummd/ummd.conf`

var (
	cfgFlag    = flag.String("config", defConfigLoc, "sender configuration file path")
	listenFlag = flag.String("listen", "127.0.0.1:4201", "control listener address")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*cfgFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ummd: config:", err)
		os.Exit(1)
	}
	lg, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ummd: logger:", err)
		os.Exit(1)
	}
	defer lg.Close()

	mgr, err := umm.New(umm.Config{
		RegistryName:  cfg.RegistryName,
		Home:          cfg.Home,
		VCProvisioner: cfg.VCProvisioner,
		Logger:        lg,
	})
	if err != nil {
		lg.Error("failed to open sender registry", log.KVErr(err))
		os.Exit(1)
	}

	for _, sc := range cfg.Senders {
		if err := mgr.AddSender(sc); err != nil {
			lg.Error("failed to add sender", log.KV("mcast_group", sc.MulticastAddr), log.KVErr(err))
			os.Exit(1)
		}
	}
	lg.Info("loaded sender entries", log.KV("count", len(cfg.Senders)))

	ln, err := net.Listen("tcp", *listenFlag)
	if err != nil {
		lg.Error("failed to bind control listener", log.KVErr(err))
		os.Exit(1)
	}
	lg.Info("control listener up", log.KV("addr", ln.Addr().String()))
	go acceptControlConns(ln, mgr, lg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lg.Info("received shutdown signal", log.KV("signal", sig.String()))

	ln.Close()
	if err := mgr.Destroy(true); err != nil {
		lg.Error("shutdown cleanup failed", log.KVErr(err))
		os.Exit(1)
	}
}

type controlRequest struct {
	Op         string `json:"op"` // "subscribe" or "unsubscribe"
	Feed       string `json:"feed"`
	ClientAddr string `json:"client_addr"`
	RemoteVC   struct {
		Switch string `json:"switch"`
		Port   string `json:"port"`
		VLAN   int    `json:"vlan"`
	} `json:"remote_vc"`
}

type controlResponse struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	MulticastAddr string `json:"multicast_addr,omitempty"`
	FMTPServer    string `json:"fmtp_server,omitempty"`
	TTL           int    `json:"ttl,omitempty"`
	ClientCIDR    string `json:"client_cidr,omitempty"`
}

func acceptControlConns(ln net.Listener, mgr *umm.UpstreamManager, lg *log.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go serveControlConn(conn, mgr, lg)
	}
}

func serveControlConn(conn net.Conn, mgr *umm.UpstreamManager, lg *log.Logger) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		var req controlRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := handleControlRequest(mgr, req)
		if err := enc.Encode(resp); err != nil {
			lg.Warn("control response write failed", log.KVErr(err))
			return
		}
	}
}

func handleControlRequest(mgr *umm.UpstreamManager, req controlRequest) controlResponse {
	feed, err := umm.ParseFeed(req.Feed)
	if err != nil {
		return controlResponse{Error: err.Error()}
	}
	ip := net.ParseIP(req.ClientAddr)
	if ip == nil {
		return controlResponse{Error: fmt.Sprintf("invalid client address %q", req.ClientAddr)}
	}
	addr, err := pool.AddrFromIP(ip)
	if err != nil {
		return controlResponse{Error: err.Error()}
	}

	switch req.Op {
	case "subscribe":
		remote := umm.VCEndpoint{Switch: req.RemoteVC.Switch, Port: req.RemoteVC.Port, VLAN: req.RemoteVC.VLAN}
		gi, cidr, err := mgr.Subscribe(feed, addr, remote)
		if err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true, MulticastAddr: gi.MulticastAddr, FMTPServer: gi.FMTPServer, TTL: gi.TTL, ClientCIDR: cidr}
	case "unsubscribe":
		if err := mgr.Unsubscribe(feed, addr); err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true}
	default:
		return controlResponse{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
