package encryptor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPInputHandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/inputs/prop-1/alice", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Handles{CiphertextRef: "0xfeed", Proof: []byte{1, 2}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, zap.NewNop())
	h, err := c.InputHandles(context.Background(), "prop-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", h.CiphertextRef)
	assert.Equal(t, []byte{1, 2}, h.Proof)
}

func TestHTTPInputHandlesNotRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, zap.NewNop())
	_, err := c.InputHandles(context.Background(), "prop-1", "alice")
	assert.ErrorIs(t, err, ErrNoRegisteredInput)
}

func TestHTTPInputHandlesEmptyRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Handles{})
	}))
	defer srv.Close()

	// A 200 with no ciphertext reference is still "nothing registered".
	c := NewHTTPClient(srv.URL, nil, zap.NewNop())
	_, err := c.InputHandles(context.Background(), "prop-1", "alice")
	assert.ErrorIs(t, err, ErrNoRegisteredInput)
}

func TestHTTPDecryptPublic(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/decrypt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]uint64{"plaintext": 42})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, zap.NewNop())
	plaintext, err := c.DecryptPublic(context.Background(), "0xtally")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), plaintext)
	assert.Equal(t, "0xtally", gotBody["handle"])
}

func TestHTTPDecryptPublicServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, zap.NewNop())
	_, err := c.DecryptPublic(context.Background(), "0xprivate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 403")
}

func TestMemEncryptor(t *testing.T) {
	m := NewMemEncryptor()
	ctx := context.Background()

	_, err := m.InputHandles(ctx, "prop-1", "alice")
	assert.ErrorIs(t, err, ErrNoRegisteredInput)

	m.RegisterInput("prop-1", "alice", Handles{CiphertextRef: "0xfeed"})
	h, err := m.InputHandles(ctx, "prop-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", h.CiphertextRef)

	_, err = m.DecryptPublic(ctx, "0xtally")
	assert.Error(t, err, "handles are closed until scripted decryptable")

	m.SetPlaintext("0xtally", 7)
	plaintext, err := m.DecryptPublic(ctx, "0xtally")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), plaintext)
}
