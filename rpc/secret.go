/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpc

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
)

// secretFileName returns $HOME/mldmrpc_<port>, the path spec.md section
// 4.D/6 specifies for shared-secret distribution.
func secretFileName(home string, port int) string {
	return filepath.Join(home, fmt.Sprintf("mldmrpc_%d", port))
}

// genSecret derives a 64-bit random value from a high-resolution clock
// seed, per spec.md section 4.D.
func genSecret() uint64 {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return src.Uint64()
}

// writeSecretFile publishes secret to $HOME/mldmrpc_<port> with mode
// 0600. The write is atomic (safefile.Create writes to a temp file in
// the same directory and renames over the target) and guarded by an
// advisory flock on a sibling lock file, so two sender children that
// momentarily share a port during testing cannot interleave writes and
// leave a reader with a torn value.
func writeSecretFile(home string, port int, secret uint64) (path string, err error) {
	path = secretFileName(home, port)
	fl := flock.New(path + ".lock")
	if err = fl.Lock(); err != nil {
		return path, err
	}
	defer fl.Unlock()

	fout, err := safefile.Create(path, 0600)
	if err != nil {
		return path, err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], secret)
	if _, err = fout.Write(b[:]); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return path, err
	}
	if err = fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return path, err
	}
	return path, os.Chmod(path, 0600)
}

// readSecretFile reads the secret a server published at $HOME/mldmrpc_<port>.
func readSecretFile(home string, port int) (uint64, error) {
	path := secretFileName(home, port)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("rpc: secret file %s has unexpected length %d", path, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// removeSecretFile unlinks the secret file published by the server; it
// is not an error if the file is already gone.
func removeSecretFile(home string, port int) error {
	path := secretFileName(home, port)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	os.Remove(path + ".lock")
	return nil
}
