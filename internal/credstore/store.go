// Package credstore persists the single long-lived refresh token, encrypted at rest.
//
// The blob lives in <dir>/credentials.enc and is sealed with XChaCha20-Poly1305
// under a key derived (HKDF-SHA256) from a random per-installation master key kept
// in <dir>/credentials.key. Both files are written with 0600 permissions.
package credstore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/livecheck/livecheck/internal/misc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	blobFileName = "credentials.enc"
	keyFileName  = "credentials.key"
	masterKeyLen = 32
)

var (
	blobMagic = []byte("LCK1")
	hkdfInfo  = []byte("livecheck credential store v1")
)

var (
	// ErrNotFound is returned by Load when no credential has been saved.
	ErrNotFound = errors.New("credstore: no stored credential")
	// ErrCorrupt is returned by Load when the blob cannot be decrypted; the blob has been deleted.
	ErrCorrupt = errors.New("credstore: stored credential is corrupt")
)

// Store reads and writes the encrypted refresh token. It performs no locking of
// its own; callers serialize Save and Clear.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created lazily on Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the location of the encrypted blob.
func (s *Store) Path() string {
	return filepath.Join(s.dir, blobFileName)
}

func (s *Store) keyPath() string {
	return filepath.Join(s.dir, keyFileName)
}

// Exists reports whether an encrypted blob is present on disk.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.Path())
	return err == nil && info.Mode().IsRegular()
}

// Save encrypts refreshToken and atomically replaces the stored blob.
func (s *Store) Save(refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("credstore: refusing to save empty refresh token")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("credstore: create dir: %w", err)
	}
	master, err := s.loadOrCreateMasterKey()
	if err != nil {
		return err
	}
	aead, err := newAEAD(master)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(refreshToken)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return fmt.Errorf("credstore: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(refreshToken), blobMagic)
	blob := append(append([]byte(nil), blobMagic...), sealed...)

	misc.LogSavingCredentials(s.Path())
	if err = writeFileAtomic(s.Path(), blob); err != nil {
		return fmt.Errorf("credstore: write blob: %w", err)
	}
	return nil
}

// Load decrypts and returns the stored refresh token. A blob that fails to decode
// is deleted and ErrCorrupt returned.
func (s *Store) Load() (string, error) {
	blob, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("credstore: read blob: %w", err)
	}

	token, errOpen := s.open(blob)
	if errOpen != nil {
		log.WithError(errOpen).Warn("stored credential unreadable, discarding it")
		s.discard("corrupt")
		return "", ErrCorrupt
	}
	return token, nil
}

func (s *Store) open(blob []byte) (string, error) {
	if !bytes.HasPrefix(blob, blobMagic) {
		return "", fmt.Errorf("unknown blob format")
	}
	master, err := os.ReadFile(s.keyPath())
	if err != nil {
		return "", fmt.Errorf("read master key: %w", err)
	}
	if len(master) != masterKeyLen {
		return "", fmt.Errorf("master key has %d bytes", len(master))
	}
	aead, err := newAEAD(master)
	if err != nil {
		return "", err
	}
	body := blob[len(blobMagic):]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("blob truncated")
	}
	plain, err := aead.Open(nil, body[:aead.NonceSize()], body[aead.NonceSize():], blobMagic)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if len(plain) == 0 {
		return "", fmt.Errorf("empty plaintext")
	}
	return string(plain), nil
}

// Clear removes the stored blob. Calling it when nothing is stored is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credstore: remove blob: %w", err)
	}
	return nil
}

func (s *Store) discard(reason string) {
	misc.LogRemovingCredentials(s.Path(), reason)
	if err := s.Clear(); err != nil {
		log.WithError(err).Warn("failed to remove corrupt credential")
	}
}

func (s *Store) loadOrCreateMasterKey() ([]byte, error) {
	master, err := os.ReadFile(s.keyPath())
	if err == nil && len(master) == masterKeyLen {
		return master, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("credstore: read master key: %w", err)
	}
	master = make([]byte, masterKeyLen)
	if _, err = rand.Read(master); err != nil {
		return nil, fmt.Errorf("credstore: generate master key: %w", err)
	}
	if err = writeFileAtomic(s.keyPath(), master); err != nil {
		return nil, fmt.Errorf("credstore: write master key: %w", err)
	}
	return master, nil
}

func newAEAD(master []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("credstore: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: init cipher: %w", err)
	}
	return aead, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
