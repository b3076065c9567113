package encryption

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"docstore/internal/config"
)

func newTestAgeSealer(t *testing.T) *AgeSealer {
	t.Helper()
	dir := t.TempDir()
	return NewAgeSealer(config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "backup.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "backup.key"),
	})
}

func sealBytes(t *testing.T, s Sealer, h Header, payload []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := s.Seal(&out, h)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return out.Bytes()
}

func openBytes(t *testing.T, o Opener, sealed []byte) (*Header, []byte) {
	t.Helper()
	h, r, err := o.Open(bytes.NewReader(sealed))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	return h, payload
}

func TestAgeSealer_Setup(t *testing.T) {
	t.Parallel()
	s := newTestAgeSealer(t)
	if s.IsConfigured() {
		t.Fatal("IsConfigured() = true before Setup")
	}
	if err := s.Setup(""); err == nil {
		t.Error("Setup(\"\") should refuse an empty passphrase")
	}
	if err := s.Setup("first"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !s.IsConfigured() {
		t.Error("IsConfigured() = false after Setup")
	}

	// Existing keys are never replaced.
	if err := s.Setup("second"); err == nil {
		t.Fatal("second Setup() should return error")
	}
	if _, err := s.Unlock("first"); err != nil {
		t.Errorf("Unlock() with the original passphrase error = %v", err)
	}
}

func TestAgeSealer_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestAgeSealer(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	header := Header{Store: "metadata", SchemaVersion: 6, CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	payloads := map[string][]byte{
		"empty":  {},
		"sqlite": []byte("SQLite format 3\x00rest of the file"),
		"large":  bytes.Repeat([]byte{0x00, 0xff, '\n'}, 50000),
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			sealed := sealBytes(t, s, header, payload)
			if len(payload) > 0 && bytes.Contains(sealed, payload) {
				t.Error("sealed backup contains the plaintext")
			}
			if bytes.Contains(sealed, []byte("metadata")) {
				t.Error("sealed backup exposes its header")
			}

			o, err := s.Unlock("pw")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			h, got := openBytes(t, o, sealed)
			if diff := cmp.Diff(header, *h); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("payload = %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestAgeSealer_Unlock(t *testing.T) {
	t.Parallel()
	s := newTestAgeSealer(t)
	if _, err := s.Unlock("pw"); err == nil {
		t.Error("Unlock() before Setup should return error")
	}
	if err := s.Setup("correct"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := s.Unlock("wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("Unlock(wrong) error = %v, want ErrBadPassphrase", err)
	}
}

func TestAgeSealer_SealBeforeSetup(t *testing.T) {
	t.Parallel()
	s := newTestAgeSealer(t)
	if _, err := s.Seal(io.Discard, Header{Store: "locks"}); err == nil {
		t.Error("Seal() before Setup should return error")
	}
}

func TestAgeSealer_OpenRejectsOtherKeys(t *testing.T) {
	t.Parallel()
	a, b := newTestAgeSealer(t), newTestAgeSealer(t)
	for _, s := range []*AgeSealer{a, b} {
		if err := s.Setup("pw"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
	}
	sealed := sealBytes(t, a, Header{Store: "locks"}, []byte("data"))
	o, err := b.Unlock("pw")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if _, _, err := o.Open(bytes.NewReader(sealed)); err == nil {
		t.Error("Open() with another key pair succeeded")
	}
}

func TestAgeSealer_KeyFilesArePrivate(t *testing.T) {
	t.Parallel()
	s := newTestAgeSealer(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	info, err := os.Stat(s.privateKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("private key mode = %v, want no group or other access", perm)
	}
}
