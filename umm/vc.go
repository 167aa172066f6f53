/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package umm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ldm7/umm/internal/errkind"
	"github.com/ldm7/umm/internal/log"
)

// vcProvisioner shells out to the AL2S virtual-circuit provisioner
// (spec.md section 6: "invoked as an external command ... prints the
// circuit id to stdout on success"). It is a synchronous black box; the
// core only ever captures the circuit id.
type vcProvisioner struct {
	path    string // provisioner binary, empty disables VC support
	timeout time.Duration
	lg      *log.Logger
}

func newVCProvisioner(path string, lg *log.Logger) *vcProvisioner {
	if lg == nil {
		lg = log.NewDiscard()
	}
	return &vcProvisioner{path: path, timeout: 30 * time.Second, lg: lg}
}

// Create builds a circuit from local to remote and returns the
// provisioner's circuit id. Every invocation is stamped with a fresh
// request id, passed in the description argument and logged; Destroy
// logs its own request id, so create and destroy lines are matched by
// circuit id.
func (p *vcProvisioner) Create(workgroup string, local, remote VCEndpoint) (circuitID string, err error) {
	reqID := uuid.NewString()
	desc := fmt.Sprintf("umm-%s", reqID)
	args := []string{
		workgroup, desc,
		local.Switch, local.Port, fmt.Sprintf("%d", local.VLAN),
		remote.Switch, remote.Port, fmt.Sprintf("%d", remote.VLAN),
	}
	out, err := p.run(args)
	if err != nil {
		p.lg.Error("virtual circuit create failed", log.KV("reqid", reqID), log.KVErr(err))
		return "", errkind.New(errkind.SYSTEM, "umm.vc.create", err)
	}
	circuitID = strings.TrimSpace(out)
	p.lg.Info("virtual circuit created", log.KV("reqid", reqID), log.KV("circuit", circuitID))
	return circuitID, nil
}

// Destroy tears down a previously created circuit.
func (p *vcProvisioner) Destroy(circuitID string) error {
	reqID := uuid.NewString()
	if _, err := p.run([]string{"destroy", circuitID}); err != nil {
		p.lg.Error("virtual circuit destroy failed", log.KV("reqid", reqID), log.KV("circuit", circuitID), log.KVErr(err))
		return errkind.New(errkind.SYSTEM, "umm.vc.destroy", err)
	}
	p.lg.Info("virtual circuit destroyed", log.KV("reqid", reqID), log.KV("circuit", circuitID))
	return nil
}

func (p *vcProvisioner) run(args []string) (string, error) {
	if p.path == "" {
		return "", fmt.Errorf("no virtual circuit provisioner configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}
