package credstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "auth"))

	if err := store.Save("1//refresh-A"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "1//refresh-A" {
		t.Fatalf("Load = %q, want %q", got, "1//refresh-A")
	}

	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if bytes.Contains(raw, []byte("refresh-A")) {
		t.Fatal("blob contains plaintext refresh token")
	}

	if err = store.Save("1//refresh-B"); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if got, _ = store.Load(); got != "1//refresh-B" {
		t.Fatalf("Load after overwrite = %q", got)
	}
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions only")
	}
	store := New(t.TempDir())
	if err := store.Save("rt"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, path := range []string{store.Path(), store.keyPath()} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("%s perm = %o, want 600", filepath.Base(path), perm)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
	if store.Exists() {
		t.Fatal("Exists() = true for empty store")
	}
}

func TestLoadCorruptDeletesBlob(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, s *Store)
	}{
		{
			name: "flipped ciphertext byte",
			mutate: func(t *testing.T, s *Store) {
				raw, err := os.ReadFile(s.Path())
				if err != nil {
					t.Fatal(err)
				}
				raw[len(raw)-1] ^= 0xff
				if err = os.WriteFile(s.Path(), raw, 0o600); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "unknown format",
			mutate: func(t *testing.T, s *Store) {
				if err := os.WriteFile(s.Path(), []byte("{\"refresh_token\":\"x\"}"), 0o600); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "truncated",
			mutate: func(t *testing.T, s *Store) {
				if err := os.WriteFile(s.Path(), blobMagic, 0o600); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "master key lost",
			mutate: func(t *testing.T, s *Store) {
				if err := os.Remove(s.keyPath()); err != nil {
					t.Fatal(err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := New(t.TempDir())
			if err := store.Save("1//refresh"); err != nil {
				t.Fatalf("Save: %v", err)
			}
			tt.mutate(t, store)

			if _, err := store.Load(); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Load error = %v, want ErrCorrupt", err)
			}
			if store.Exists() {
				t.Fatal("corrupt blob was not deleted")
			}
			if _, err := store.Load(); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second Load error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestClearIdempotent(t *testing.T) {
	store := New(t.TempDir())
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear on empty store: %v", err)
	}
	if err := store.Save("rt"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Clear(); err != nil {
			t.Fatalf("Clear #%d: %v", i+1, err)
		}
	}
	if store.Exists() {
		t.Fatal("blob still present after Clear")
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	if err := New(t.TempDir()).Save(""); err == nil {
		t.Fatal("expected error saving empty token")
	}
}
