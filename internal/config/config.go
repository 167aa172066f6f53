/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config parses the on-disk sender configuration file: one
// [Sender "feedname"] stanza per configured feed, plus an optional
// [Global] section, in the gcfg INI dialect the rest of the fleet uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gravwell/gcfg"

	"github.com/ldm7/umm/internal/log"
	"github.com/ldm7/umm/umm"
)

const maxConfigSize int64 = 4 * 1024 * 1024

var ErrConfigTooLarge = errors.New("config file is too large")

type global struct {
	Log_File       string
	Log_Level      string
	Registry_Name  string
	VC_Provisioner string
	Home           string
}

// senderReadCfg is the literal gcfg stanza shape: field names carry
// underscores because gcfg maps "Mcast_Group" to the "mcast-group"
// key.
type senderReadCfg struct {
	Feed                 string
	Mcast_Group          string
	Fmtp_Server          string
	Ttl                  int
	Subnet               string
	Vlan_Switch          string
	Vlan_Port            string
	Vlan_Id              int
	Product_Queue        string
	Retx_Timeout_Minutes int
	Sender_Exec          string
	Log_Dest             string
	Verbose              bool
}

type cfgType struct {
	Global global
	Sender map[string]*senderReadCfg
}

// File is the parsed configuration: the global daemon options plus the
// resolved per-feed sender configs ready for UpstreamManager.AddSender.
type File struct {
	LogFile       string
	LogLevel      string
	RegistryName  string
	VCProvisioner string
	Home          string
	Senders       []umm.SenderConfig
}

// Load reads and parses the config file at path.
func Load(path string) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw cfgType
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return raw.resolve()
}

func (c cfgType) resolve() (*File, error) {
	if len(c.Sender) == 0 {
		return nil, errors.New("config: no [Sender] stanzas present")
	}
	f := &File{
		LogFile:       c.Global.Log_File,
		LogLevel:      c.Global.Log_Level,
		RegistryName:  c.Global.Registry_Name,
		VCProvisioner: c.Global.VC_Provisioner,
		Home:          c.Global.Home,
	}
	for name, s := range c.Sender {
		if s == nil {
			continue
		}
		sc, err := s.resolve(name)
		if err != nil {
			return nil, err
		}
		f.Senders = append(f.Senders, sc)
	}
	return f, nil
}

func (s *senderReadCfg) resolve(name string) (umm.SenderConfig, error) {
	feed, err := umm.ParseFeed(s.Feed)
	if err != nil {
		return umm.SenderConfig{}, fmt.Errorf("config: sender %q: %w", name, err)
	}
	sc := umm.SenderConfig{
		Feed:          feed,
		MulticastAddr: s.Mcast_Group,
		FMTPServer:    s.Fmtp_Server,
		TTL:           s.Ttl,
		Subnet:        s.Subnet,
		ProductQueue:  s.Product_Queue,
		RetxTimeout:   s.Retx_Timeout_Minutes,
		SenderExec:    s.Sender_Exec,
		LogDest:       s.Log_Dest,
		Verbose:       s.Verbose,
	}
	if s.Vlan_Id > 0 {
		sc.LocalVC = umm.VCEndpoint{Switch: s.Vlan_Switch, Port: s.Vlan_Port, VLAN: s.Vlan_Id}
	}
	return sc, nil
}

// Logger builds the logger named by the [Global] section, defaulting to
// a discard logger when Log_File is absent.
func (f *File) Logger() (*log.Logger, error) {
	if strings.TrimSpace(f.LogFile) == "" {
		return log.NewDiscard(), nil
	}
	lvl, err := log.LevelFromString(f.LogLevel)
	if err != nil {
		return nil, err
	}
	if lvl == log.OFF {
		return log.NewDiscard(), nil
	}
	lg, err := log.NewStderrLogger(f.LogFile)
	if err != nil {
		return nil, err
	}
	lg.SetLevel(lvl)
	return lg, nil
}
