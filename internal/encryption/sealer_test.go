package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"docstore/internal/config"
)

func TestPlainSealer_RoundTrip(t *testing.T) {
	t.Parallel()
	header := Header{Store: "locks", SchemaVersion: 1, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	payload := []byte("SQLite format 3\x00\nline\nbreaks")

	sealed := sealBytes(t, PlainSealer{}, header, payload)
	o, err := PlainSealer{}.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	h, got := openBytes(t, o, sealed)
	if diff := cmp.Diff(header, *h); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestReadFrame_RejectsForeignData(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"empty":         "",
		"raw sqlite":    "SQLite format 3\x00",
		"magic only":    frameMagic + "\n",
		"bad json":      frameMagic + "\n{not json\n",
		"no store":      frameMagic + "\n{\"schema_version\":3}\n",
		"other version": "docstore-backup/2\n{\"store\":\"locks\"}\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := readFrame(bytes.NewReader([]byte(data))); !errors.Is(err, ErrNotBackup) {
				t.Errorf("readFrame() error = %v, want ErrNotBackup", err)
			}
		})
	}
}

func TestNewSealerFromConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ     string
		want    string
		wantErr bool
	}{
		{typ: "", want: "<nil>"},
		{typ: "age", want: "*encryption.AgeSealer"},
		{typ: "test", want: "encryption.PlainSealer"},
		{typ: "rot13", wantErr: true},
	}
	for _, tt := range tests {
		s, err := NewSealerFromConfig(config.EncryptionConfig{Type: tt.typ, PublicKeyPath: "a.pub", PrivateKeyPath: "a.key"})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewSealerFromConfig(%q) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if got := typeName(s); got != tt.want {
			t.Errorf("NewSealerFromConfig(%q) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func typeName(s Sealer) string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", s)
}
