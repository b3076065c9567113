// Package encryption seals database backups so that copies taken before a
// migration can sit next to the live store without exposing its contents.
//
// A sealed backup is one stream: a frame header naming the store and the
// schema version it was taken at, followed by the raw SQLite file. The header
// travels inside the ciphertext, so it is authenticated along with the data.
package encryption

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const frameMagic = "docstore-backup/1"

var (
	// ErrNotBackup is returned when a stream does not start with a backup frame.
	ErrNotBackup = errors.New("not a docstore backup")
	// ErrBadPassphrase is returned by Unlock when the passphrase does not open the private key.
	ErrBadPassphrase = errors.New("incorrect passphrase")
)

// Header describes a sealed backup.
type Header struct {
	Store         string    `json:"store"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sealer writes sealed backups.
type Sealer interface {
	// Setup creates the key material, protecting the private half with passphrase.
	Setup(passphrase string) error
	// IsConfigured reports whether Setup has been run.
	IsConfigured() bool
	// Seal returns a writer that seals h and everything written to it into w.
	// The backup is complete only once the writer is closed. No passphrase is needed.
	Seal(w io.Writer, h Header) (io.WriteCloser, error)
	// Unlock opens the private key for reading backups.
	Unlock(passphrase string) (Opener, error)
}

// Opener reads sealed backups with an unlocked key.
type Opener interface {
	// Open checks the frame of r and returns its header and the payload.
	Open(r io.Reader) (*Header, io.Reader, error)
}

func writeFrame(w io.Writer, h Header) error {
	meta, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding backup header: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n", frameMagic, meta); err != nil {
		return fmt.Errorf("writing backup header: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (*Header, io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.ReadString('\n')
	if err != nil || strings.TrimSuffix(magic, "\n") != frameMagic {
		return nil, nil, ErrNotBackup
	}
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrNotBackup)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, nil, fmt.Errorf("%w: bad header: %v", ErrNotBackup, err)
	}
	if h.Store == "" {
		return nil, nil, fmt.Errorf("%w: header names no store", ErrNotBackup)
	}
	return &h, br, nil
}
