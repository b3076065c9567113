package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/natefinch/atomic"

	"docstore/internal/config"
)

// AgeSealer seals backups to an X25519 recipient. Sealing needs only the
// public key, so migrations back up unattended; the private key is stored
// encrypted with the operator's passphrase and unlocked for restores.
type AgeSealer struct {
	publicKeyPath  string
	privateKeyPath string
}

var _ Sealer = (*AgeSealer)(nil)

func NewAgeSealer(cfg config.EncryptionConfig) *AgeSealer {
	return &AgeSealer{publicKeyPath: cfg.PublicKeyPath, privateKeyPath: cfg.PrivateKeyPath}
}

// Setup generates the key pair. It refuses to replace either key file, since
// backups sealed to the old key could not be opened any more.
func (s *AgeSealer) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("an empty passphrase would leave the private key unprotected")
	}
	for _, p := range []string{s.publicKeyPath, s.privateKeyPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("backup key %s already exists", p)
		}
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	scrypt, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving key from passphrase: %w", err)
	}
	var private bytes.Buffer
	w, err := age.Encrypt(&private, scrypt)
	if err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}

	// Private key first: a public key alone would seal backups nobody can open.
	if err := writeKey(s.privateKeyPath, private.Bytes()); err != nil {
		return err
	}
	return writeKey(s.publicKeyPath, []byte(identity.Recipient().String()+"\n"))
}

func writeKey(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *AgeSealer) IsConfigured() bool {
	for _, p := range []string{s.publicKeyPath, s.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func (s *AgeSealer) Seal(w io.Writer, h Header) (io.WriteCloser, error) {
	data, err := os.ReadFile(s.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing public key %s: %w", s.publicKeyPath, err)
	}
	aw, err := age.Encrypt(w, recipient)
	if err != nil {
		return nil, fmt.Errorf("starting encryption: %w", err)
	}
	if err := writeFrame(aw, h); err != nil {
		return nil, err
	}
	return aw, nil
}

func (s *AgeSealer) Unlock(passphrase string) (Opener, error) {
	f, err := os.Open(s.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	defer f.Close()

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving key from passphrase: %w", err)
	}
	r, err := age.Decrypt(f, scrypt)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrBadPassphrase
		}
		return nil, fmt.Errorf("opening private key: %w", err)
	}
	key, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("opening private key: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(key)))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return ageOpener{identity}, nil
}

type ageOpener struct {
	identity age.Identity
}

func (o ageOpener) Open(r io.Reader) (*Header, io.Reader, error) {
	plain, err := age.Decrypt(r, o.identity)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting backup: %w", err)
	}
	return readFrame(plain)
}
