package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/s4err"
)

func TestPutWithRetryStopsOnTerminalError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/prepare_put" {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte("already exists"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.PutWithRetry(context.Background(), "s4://b/f", []byte("x"), func(b []byte) string { return "sum" }, time.Millisecond)
	require.Error(t, err)
	se, ok := s4err.As(err)
	require.True(t, ok)
	require.Equal(t, s4err.KindAlreadyExists, se.Kind)
	require.Equal(t, 1, calls)
}

func TestPutWithRetryRetriesBusy(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/prepare_put" {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("busy"))
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"job_id":"j","port":0}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.PutWithRetry(ctx, "s4://b/f", nil, func(b []byte) string { return "sum" }, time.Millisecond)
	// port 0 makes the dial fail, but the retry count on prepare_put is
	// what this test exercises.
	require.Error(t, err)
	require.GreaterOrEqual(t, calls, 3)
}
