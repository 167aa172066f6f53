/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package umm

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ldm7/umm/internal/errkind"
	"github.com/ldm7/umm/internal/log"
)

const (
	pipeReadMax  = 100
	killWaitTime = 5 * time.Second
)

// spawnHook is invoked once per successful cmd.Start in spawnChild; it
// is a no-op in production and overridden by tests that need to count
// fork/exec calls (spec.md section 8 scenario 5).
var spawnHook = func() {}

// spawnChild runs the sender binary described by e, reads its announced
// ports from the pipe handshake (spec.md section 4.E steps 2-4), and
// returns the running *exec.Cmd plus both ports. The pipe's write end is
// handed to the child as its stdout (the Go equivalent of
// dup2(writeEnd, STDOUT_FILENO) after fork): os/exec performs fork+exec
// atomically via clone(2), which is why the C idiom of blocking signals
// around a bare fork() before the child unblocks them does not apply
// here — there is no window between fork and exec for a signal to be
// mishandled.
func (u *UpstreamManager) spawnChild(e *SenderEntry) (cmd *exec.Cmd, fmtpPort, rpcPort int, err error) {
	r, w, perr := os.Pipe()
	if perr != nil {
		return nil, 0, 0, errkind.New(errkind.SYSTEM, "umm.spawn", perr)
	}
	defer r.Close()

	args := senderArgs(e)
	cmd = exec.Command(e.SenderExec, args...)
	cmd.Env = append(os.Environ(), "HOME="+u.home)
	cmd.Stdout = w
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()
	w.Close() // parent's copy of the write end; the child keeps its own
	if startErr != nil {
		return nil, 0, 0, errkind.New(errkind.SYSTEM, "umm.spawn", startErr)
	}
	spawnHook()

	fmtpPort, rpcPort, perr = readPorts(r)
	if perr != nil {
		u.lg.Warn("sender child failed port handshake", log.KV("feed", e.Feed.names()), log.KVErr(perr))
		killAndReapUnstarted(cmd)
		return nil, 0, 0, errkind.New(errkind.LOGIC, "umm.spawn", perr)
	}
	return cmd, fmtpPort, rpcPort, nil
}

// senderArgs builds the sender child's argument vector (spec.md section 6).
func senderArgs(e *SenderEntry) []string {
	var args []string
	if e.LogDest != "" {
		args = append(args, "-l", e.LogDest)
	}
	if e.Verbose {
		args = append(args, "-v")
	}
	args = append(args, "-f", e.Feed.names())
	_, bits, ok := splitCIDR(e.Subnet)
	if ok {
		args = append(args, "-n", strconv.Itoa(bits))
	}
	if e.RetxTimeout > 0 {
		args = append(args, "-r", strconv.Itoa(e.RetxTimeout))
	}
	if e.ProductQueue != "" {
		args = append(args, "-q", e.ProductQueue)
	}
	if e.FMTPServer != "" {
		args = append(args, "-s", e.FMTPServer)
	}
	args = append(args, "-t", strconv.Itoa(e.TTL))
	args = append(args, e.MulticastAddr)
	return args
}

func splitCIDR(cidr string) (prefix string, bits int, ok bool) {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], n, true
}

// readPorts parses the "<fmtp_port> <rpc_port>\n" line the child writes
// to its stdout on successful startup (spec.md section 6). A short read,
// EOF without both ports, or a parse failure is a contract violation.
func readPorts(r *os.File) (fmtpPort, rpcPort int, err error) {
	buf := make([]byte, pipeReadMax)
	br := bufio.NewReader(r)
	n, rerr := br.Read(buf)
	if n == 0 {
		if rerr == nil {
			rerr = fmt.Errorf("empty read")
		}
		return 0, 0, fmt.Errorf("child closed stdout without posting ports: %w", rerr)
	}
	line := strings.TrimSpace(string(buf[:n]))
	var a, b int
	if _, serr := fmt.Sscanf(line, "%d %d", &a, &b); serr != nil {
		return 0, 0, fmt.Errorf("malformed port handshake %q: %w", line, serr)
	}
	if a < 1 || a > 65535 || b < 1 || b > 65535 {
		return 0, 0, fmt.Errorf("port handshake %q out of range", line)
	}
	return a, b, nil
}

// child tracks one running sender process. done closes once the
// goroutine spawned by trackChild observes cmd.Wait returning, which is
// the only call site allowed to call cmd.Wait (calling it twice on the
// same *exec.Cmd is an error).
type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// killAndReapUnstarted is used when a child fails its port handshake
// before being tracked: there is no reaper goroutine yet, so this is
// the one place besides trackChild's goroutine allowed to call Wait.
func killAndReapUnstarted(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killWaitTime):
		cmd.Process.Kill()
		<-done
	}
}

// killAndReap signals an already-tracked child and blocks until its
// reaper goroutine (started by trackChild) observes it exit.
func killAndReap(c *child) {
	if c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-c.done:
	case <-time.After(killWaitTime):
		c.cmd.Process.Kill()
		<-c.done
	}
}

// ensureChildRunning implements spec.md section 4.E's algorithm: reconcile
// against the SSR, spawn if needed, and record the result. It runs under
// the supervisor's singleflight group keyed by feed bit so concurrent
// subscribe(feed) calls collapse onto a single fork/exec (spec.md
// section 5's "at most one child per feed" guarantee); the SSR exclusive
// lock taken inside is the cross-process backstop for the same guarantee.
func (u *UpstreamManager) ensureChildRunning(e *SenderEntry) error {
	key := strconv.FormatUint(uint64(e.Feed), 10)
	_, err, _ := u.spawnGroup.Do(key, func() (interface{}, error) {
		return nil, u.ensureChildRunningLocked(e)
	})
	return err
}

func (u *UpstreamManager) ensureChildRunningLocked(e *SenderEntry) error {
	if err := u.registry.Lock(true); err != nil {
		return err
	}
	defer u.registry.Unlock()

	if pid, fmtpPort, rpcPort, err := u.registry.GetLocked(uint32(e.Feed)); err == nil {
		if processAlive(int(pid)) {
			e.pid, e.fmtpPort, e.rpcPort = int(pid), int(fmtpPort), int(rpcPort)
			return nil
		}
		u.lg.Warn("sender pid in registry is dead, reconciling", log.KV("feed", e.Feed.names()), log.KV("pid", pid))
		if rerr := u.registry.RemoveLocked(pid); rerr != nil && !errkind.Is(rerr, errkind.NOENT) {
			return rerr
		}
	}

	cmd, fmtpPort, rpcPort, err := u.spawnChild(e)
	if err != nil {
		return err
	}
	pid := int32(cmd.Process.Pid)

	if err := u.registry.PutLocked(uint32(e.Feed), pid, uint16(fmtpPort), uint16(rpcPort)); err != nil {
		killAndReapUnstarted(cmd)
		return err
	}

	e.pid, e.fmtpPort, e.rpcPort = int(pid), fmtpPort, rpcPort
	u.trackChild(e.pid, cmd)
	return nil
}

// processAlive reports whether kill(pid, 0) would succeed.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminated performs the cleanup spec.md section 4.E calls
// "terminated": removing pid from the SSR and clearing any in-memory
// entry caching it. In the C original this is invoked by a SIGCHLD
// handler; here it is invoked automatically by the reaper goroutine
// trackChild starts for every spawned child; os/exec's cmd.Wait
// already does the waitpid, so there is no separate signal path to
// wire up (documented as an Open Question resolution in DESIGN.md).
// It is idempotent and safe to call directly, which tests do to
// simulate an external wait/reap.
func (u *UpstreamManager) Terminated(pid int) error {
	u.childMu.Lock()
	delete(u.children, pid)
	u.childMu.Unlock()

	u.mu.Lock()
	for _, e := range u.entries {
		if e.pid == pid {
			e.clearChild()
		}
	}
	u.mu.Unlock()

	if err := u.registry.Lock(true); err != nil {
		return err
	}
	defer u.registry.Unlock()
	if err := u.registry.RemoveLocked(int32(pid)); err != nil && !errkind.Is(err, errkind.NOENT) {
		return err
	}
	return nil
}

// trackChild registers cmd as pid's running process and starts the one
// goroutine allowed to call cmd.Wait for its lifetime; once the process
// exits, however it exits, that goroutine invokes Terminated and then
// closes the returned child's done channel.
func (u *UpstreamManager) trackChild(pid int, cmd *exec.Cmd) *child {
	c := &child{cmd: cmd, done: make(chan struct{})}
	u.childMu.Lock()
	u.children[pid] = c
	u.childMu.Unlock()

	go func() {
		cmd.Wait()
		if err := u.Terminated(pid); err != nil {
			u.lg.Warn("post-exit cleanup failed", log.KV("pid", pid), log.KVErr(err))
		}
		close(c.done)
	}()
	return c
}

func (u *UpstreamManager) childFor(pid int) (*child, bool) {
	u.childMu.Lock()
	defer u.childMu.Unlock()
	c, ok := u.children[pid]
	return c, ok
}

// terminateChild SIGTERMs the sender child backing e, if any, and
// blocks until its reaper goroutine has observed the exit and run
// Terminated.
func (u *UpstreamManager) terminateChild(e *SenderEntry) {
	if !e.Running() {
		return
	}
	if c, ok := u.childFor(e.pid); ok {
		killAndReap(c)
	}
}
