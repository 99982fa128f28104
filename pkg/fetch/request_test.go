package fetch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_NormalisesMethodAndHeaders(t *testing.T) {
	a, err := Fingerprint(Request{Method: "get", URL: "https://api.example.com/p", Headers: map[string]string{"x-api-key": "k"}})
	require.NoError(t, err)
	b, err := Fingerprint(Request{Method: "GET", URL: "https://api.example.com/p", Headers: map[string]string{"X-Api-Key": "k"}})
	require.NoError(t, err)
	c, err := Fingerprint(Request{URL: "https://api.example.com/p", Headers: map[string]string{"X-API-KEY": "k"}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, a, len("sha256:")+64)
}

func TestFingerprint_DistinguishesRequests(t *testing.T) {
	base := Request{Method: "POST", URL: "https://api.example.com/p", Body: `{"a":1}`}
	variants := []Request{
		{Method: "POST", URL: "https://api.example.com/p", Body: `{"a":2}`},
		{Method: "PUT", URL: "https://api.example.com/p", Body: `{"a":1}`},
		{Method: "POST", URL: "https://api.example.com/q", Body: `{"a":1}`},
		{Method: "POST", URL: "https://api.example.com/p", Body: `{"a":1}`, Headers: map[string]string{"Accept": "application/json"}},
	}
	fp, err := Fingerprint(base)
	require.NoError(t, err)
	for _, v := range variants {
		other, err := Fingerprint(v)
		require.NoError(t, err)
		assert.NotEqual(t, fp, other, "%+v", v)
	}
}

func TestNormalize_DoesNotMutate(t *testing.T) {
	h := map[string]string{"accept": "*/*"}
	r := Request{Method: "post", URL: "u", Headers: h}
	n := r.Normalize()
	assert.Equal(t, "POST", n.Method)
	assert.Equal(t, map[string]string{"Accept": "*/*"}, n.Headers)
	assert.Equal(t, "post", r.Method)
	assert.Equal(t, map[string]string{"accept": "*/*"}, h)
}

func TestFetchError(t *testing.T) {
	inner := errors.New("connection refused")
	err := error(&FetchError{Code: ErrCodeNetwork, URL: "http://x", Err: inner})
	assert.True(t, errors.Is(err, ErrFetchFailed))
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, "[FETCH_NETWORK] http://x: connection refused", err.Error())

	err = &FetchError{Code: ErrCodeStatus, URL: "http://x", Status: 503}
	assert.Equal(t, "[FETCH_STATUS] http://x: status 503", err.Error())
}
