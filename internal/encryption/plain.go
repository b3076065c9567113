package encryption

import (
	"fmt"
	"io"

	"docstore/internal/config"
)

// PlainSealer frames backups without encrypting them. Config type "test"
// selects it so that tests exercise the sealed backup path without keys.
type PlainSealer struct{}

var _ Sealer = PlainSealer{}

func (PlainSealer) Setup(string) error { return nil }
func (PlainSealer) IsConfigured() bool { return true }

func (PlainSealer) Seal(w io.Writer, h Header) (io.WriteCloser, error) {
	if err := writeFrame(w, h); err != nil {
		return nil, err
	}
	return nopWriteCloser{w}, nil
}

func (PlainSealer) Unlock(string) (Opener, error) {
	return plainOpener{}, nil
}

type plainOpener struct{}

func (plainOpener) Open(r io.Reader) (*Header, io.Reader, error) {
	return readFrame(r)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewSealerFromConfig returns the Sealer cfg selects, or nil when backups are
// left in plaintext.
func NewSealerFromConfig(cfg config.EncryptionConfig) (Sealer, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "age":
		return NewAgeSealer(cfg), nil
	case "test":
		return PlainSealer{}, nil
	}
	return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
}
