package crypto

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACAuth_SignVerify(t *testing.T) {
	auth := &HMACAuth{Key: "bot", Secret: "s3cret"}
	now := time.Unix(1700000000, 0)
	body := []byte(`{"mint":"M1"}`)

	hdr := http.Header{}
	for k, v := range auth.HeadersAt("POST", "/api/signals", string(body), now.Unix()) {
		hdr.Set(k, v)
	}
	require.NoError(t, auth.Verify("POST", "/api/signals", body, hdr, now.Add(10*time.Second), time.Minute))

	assert.ErrorIs(t, auth.Verify("POST", "/api/signals", []byte(`{"mint":"M2"}`), hdr, now, time.Minute), ErrBadSignature)
	assert.ErrorIs(t, auth.Verify("POST", "/api/signals", body, hdr, now.Add(time.Hour), time.Minute), ErrBadSignature)
	assert.ErrorIs(t, auth.Verify("POST", "/api/signals", body, http.Header{}, now, time.Minute), ErrBadSignature)

	other := &HMACAuth{Key: "bot", Secret: "different"}
	assert.ErrorIs(t, other.Verify("POST", "/api/signals", body, hdr, now, time.Minute), ErrBadSignature)
}

func TestHMACAuth_String(t *testing.T) {
	auth := &HMACAuth{Key: "key-abcdef", Secret: "secret-xyz"}
	assert.NotContains(t, auth.String(), "secret-xyz")
}

func TestSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("sidecar-secret", "pw")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "sidecar-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "sidecar-secret", got)

	got, err = LoadSecret(SecretConfig{Raw: " raw ", EncryptedPath: path})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	got, err = LoadSecret(SecretConfig{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
