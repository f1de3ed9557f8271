package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/formbridge/pkg/contracts"
)

func TestWebhookSendSigned(t *testing.T) {
	body := []byte(`{"submissionId":"sub-1"}`)

	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender("topsecret")
	err := s.Send(context.Background(), contracts.Destination{
		Kind: contracts.DestinationWebhook, URL: srv.URL,
	}, "sub-1", body)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "sub-1", got.Header.Get("X-FormBridge-Submission-Id"))
	assert.True(t, VerifySignature([]byte("topsecret"), gotBody,
		got.Header.Get("X-FormBridge-Signature")))
}

func TestWebhookSendUnsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-FormBridge-Signature"))
	}))
	defer srv.Close()

	s := NewWebhookSender("")
	err := s.Send(context.Background(), contracts.Destination{URL: srv.URL}, "sub-1", []byte(`{}`))
	require.NoError(t, err)
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewWebhookSender("")
	err := s.Send(context.Background(), contracts.Destination{URL: srv.URL}, "sub-1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte("payload")
	sig := Sign(secret, body)

	assert.True(t, VerifySignature(secret, body, sig))
	assert.False(t, VerifySignature(secret, []byte("tampered"), sig))
	assert.False(t, VerifySignature([]byte("wrong"), body, sig))
	assert.False(t, VerifySignature(secret, body, "sha256=deadbeef"))
}
