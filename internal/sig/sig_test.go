package sig

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopVerifierAccepts(t *testing.T) {
	var v NoopVerifier
	err := v.Verify(bytes.NewReader([]byte("anything")), []byte("not-a-signature"))
	require.NoError(t, err)
}

func TestNewPGPVerifierRejectsGarbageKeyring(t *testing.T) {
	_, err := NewPGPVerifier([]byte("not a pgp key at all"))
	require.Error(t, err)
}
