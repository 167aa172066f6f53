/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command senderd is the sender child program the Sender Supervisor
// forks and execs (spec.md section 6): it binds its FMTP and RPC
// listeners, announces both ports on stdout, and then serves the
// Client-Address RPC Service against its own subnet pool and authorizer
// until terminated. It does not speak real FMTP multicast (non-goal);
// the FMTP listener exists only so subscribe/unsubscribe flows have a
// socket to reason about.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/ldm7/umm/clientauth"
	"github.com/ldm7/umm/internal/log"
	"github.com/ldm7/umm/pool"
	"github.com/ldm7/umm/rpc"
)

const feedSlot clientauth.Feed = 1

func main() {
	var (
		logDest    = flag.String("l", "", "log destination, empty disables logging")
		verbose    = flag.Bool("v", false, "enable verbose (DEBUG) logging")
		feed       = flag.String("f", "", "feed name(s), informational")
		subnetBits = flag.Int("n", 24, "fmtp subnet prefix length")
		retx       = flag.Int("r", 0, "retransmission timeout in minutes")
		prodQueue  = flag.String("q", "", "product queue path")
		fmtpServer = flag.String("s", "127.0.0.1:0", "fmtp server host:port")
		ttl        = flag.Int("t", 1, "multicast ttl")
	)
	flag.Parse()

	if *ttl < 0 || *ttl > 254 {
		fmt.Fprintln(os.Stderr, "senderd: ttl out of range [0,254]")
		os.Exit(1)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "senderd: missing multicast group address")
		os.Exit(1)
	}
	mcastGroup := flag.Arg(0)

	lg, err := newLogger(*logDest, *verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "senderd: logger:", err)
		os.Exit(1)
	}
	defer lg.Close()
	lg.Info("starting sender child", log.KV("feed", *feed), log.KV("mcast_group", mcastGroup), log.KV("ttl", *ttl), log.KV("retx_min", *retx), log.KV("product_queue", *prodQueue))

	fmtpLn, err := net.Listen("tcp", *fmtpServer)
	if err != nil {
		lg.Error("failed to bind fmtp listener", log.KVErr(err))
		os.Exit(1)
	}
	defer fmtpLn.Close()
	go serveFMTPStub(fmtpLn)

	p, err := pool.NewFromCIDR(fmt.Sprintf("0.0.0.0/%d", *subnetBits))
	if err != nil {
		lg.Error("failed to build subnet pool", log.KVErr(err))
		os.Exit(1)
	}
	backend := rpc.Backend{Pool: p, Auth: clientauth.New(), Feed: feedSlot}
	server := rpc.NewServer(backend, lg)
	rpcPort, err := server.Start(os.Getenv("HOME"))
	if err != nil {
		lg.Error("failed to start rpc server", log.KVErr(err))
		os.Exit(1)
	}

	fmtpPort := fmtpLn.Addr().(*net.TCPAddr).Port
	fmt.Printf("%d %d\n", fmtpPort, rpcPort)
	os.Stdout.Sync()

	select {}
}

// serveFMTPStub accepts and immediately closes connections; real FMTP
// multicast delivery is an external collaborator (spec.md section 6.6
// and non-goals).
func serveFMTPStub(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func newLogger(dest string, verbose bool) (*log.Logger, error) {
	if dest == "" {
		return log.NewDiscard(), nil
	}
	lg, err := log.NewStderrLogger(dest)
	if err != nil {
		return nil, err
	}
	lvl := log.INFO
	if verbose {
		lvl = log.DEBUG
	}
	if serr := lg.SetLevel(lvl); serr != nil {
		return nil, serr
	}
	return lg, nil
}
