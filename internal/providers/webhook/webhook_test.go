package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var (
		got  Payload
		user string
		pass string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL, Username: "gw", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", w.ID())

	err = w.Push(context.Background(), models.Message{
		PhoneNumber: "9876543210",
		Purpose:     models.PurposeLogin,
		Code:        "012345",
		TTL:         5 * time.Minute,
		Body:        "012345 is your code",
	})
	assert.NoError(t, err, "push failed")
	assert.Equal(t, "gw", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, Payload{
		PhoneNumber: "9876543210",
		Purpose:     models.PurposeLogin,
		OTP:         "012345",
		TTLSeconds:  300,
		Body:        "012345 is your code",
	}, got)
}

func TestPushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, w.Push(context.Background(), models.Message{}), "non-2xx response wasn't an error")

	_, err = New(Config{})
	assert.Error(t, err, "empty URL accepted")
}
