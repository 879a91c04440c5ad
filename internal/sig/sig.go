// Package sig verifies detached PGP signatures on downloaded manifests and
// archives. Verification is pluggable: installations with no configured
// keyring fall back to a Noop verifier that only warns, matching rustup's
// own practice of treating signing as a best-effort, not load-bearing,
// defense.
package sig

import (
	"bytes"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// Verifier checks a detached signature over content.
type Verifier interface {
	Verify(content io.Reader, signature []byte) error
}

// NoopVerifier accepts everything, logging a warning. It is selected when
// no keyring is configured.
type NoopVerifier struct{}

func (NoopVerifier) Verify(content io.Reader, signature []byte) error {
	xlog.L().Warn("signature verification disabled: no keyring configured")
	if _, err := io.Copy(io.Discard, content); err != nil {
		return err
	}
	return nil
}

// PGPVerifier checks a detached OpenPGP signature against a fixed keyring.
type PGPVerifier struct {
	KeyRing openpgp.EntityList
}

// NewPGPVerifier parses armored or binary public keys into a keyring.
func NewPGPVerifier(keys []byte) (*PGPVerifier, error) {
	kr, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(keys))
	if err != nil {
		kr, err = openpgp.ReadKeyRing(bytes.NewReader(keys))
		if err != nil {
			return nil, err
		}
	}
	return &PGPVerifier{KeyRing: kr}, nil
}

func (v *PGPVerifier) Verify(content io.Reader, signature []byte) error {
	_, err := openpgp.CheckDetachedSignature(v.KeyRing, content, bytes.NewReader(signature), nil)
	return err
}
