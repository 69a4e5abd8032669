package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Keyfile stores a member's private key as a hex dump in a file that only the
// owner may read.
type Keyfile struct {
	l    sync.Mutex
	path string
}

// NewKeyfile returns a Keyfile backed by the file at path.
func NewKeyfile(path string) *Keyfile {
	return &Keyfile{path: path}
}

// Path returns the location of the underlying file.
func (k *Keyfile) Path() string {
	return k.path
}

// CheckFileInfo verifies that the file exists and has user permissions only.
func (k *Keyfile) CheckFileInfo() error {
	info, err := os.Stat(k.path)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// group and other bits
	var nonUserMask os.FileMode = (1 << 6) - 1

	if perm&nonUserMask != 0 {
		return fmt.Errorf("key file permissions should exclude 'groups' and 'others'. Got %o", perm)
	}

	return nil
}

// ReadKey parses the key written by WriteKey.
func (k *Keyfile) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.CheckFileInfo(); err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(k.path)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	return ParsePrivateKey(raw)
}

// WriteKey overwrites the file with the hex dump of key.
func (k *Keyfile) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return err
	}

	return os.WriteFile(k.path, []byte(PrivateKeyHex(key)), 0600)
}

// ReadOrCreate returns the stored key, generating and writing a new one if the
// file does not exist yet.
func (k *Keyfile) ReadOrCreate() (*ecdsa.PrivateKey, bool, error) {
	if _, err := os.Stat(k.path); os.IsNotExist(err) {
		key, err := GenerateECDSAKey()
		if err != nil {
			return nil, false, err
		}
		if err := k.WriteKey(key); err != nil {
			return nil, false, err
		}
		return key, true, nil
	}

	key, err := k.ReadKey()
	return key, false, err
}
