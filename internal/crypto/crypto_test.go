package crypto

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecret(t *testing.T) {
	enc, err := EncryptSecret("broker-token", "hunter2")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))
	assert.NotContains(t, enc, "broker-token")

	plain, err := DecryptSecret(enc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "broker-token", plain)
}

func TestDecryptSecret_WrongPassword(t *testing.T) {
	enc, err := EncryptSecret("broker-token", "hunter2")
	require.NoError(t, err)

	_, err = DecryptSecret(enc, "nope")
	assert.Error(t, err)
}

func TestDecryptSecret_RejectsPlainValues(t *testing.T) {
	_, err := DecryptSecret("plain", "pw")
	assert.Error(t, err)

	_, err = EncryptSecret("x", "")
	assert.Error(t, err)
}

func TestRequestSigner_HeadersAt(t *testing.T) {
	s := &RequestSigner{Key: "acct-1", Secret: "s3cret"}
	h := s.HeadersAt("POST", "/orders", `{"qty":"100"}`, 1700000000)

	assert.Equal(t, "acct-1", h[HeaderKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.True(t, Verify("s3cret", "POST", "/orders", `{"qty":"100"}`, "1700000000", h[HeaderSignature]))
	assert.False(t, Verify("s3cret", "POST", "/orders", `{"qty":"101"}`, "1700000000", h[HeaderSignature]))
}

func TestRequestSigner_ApplyWithoutSecret(t *testing.T) {
	req := httptest.NewRequest("GET", "/positions", nil)
	var s *RequestSigner
	s.Apply(req, nil)
	assert.Empty(t, req.Header.Get(HeaderSignature))

	(&RequestSigner{Key: "k", Secret: "v"}).Apply(req, nil)
	assert.NotEmpty(t, req.Header.Get(HeaderSignature))
	assert.Equal(t, "RequestSigner{key=****, secret=****}", (&RequestSigner{Key: "k", Secret: "v"}).String())
}
