package httpexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_SuccessfulGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	res, err := Run(context.Background(), srv.Client(), Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "hello world", res.Body)
	require.Equal(t, "yes", res.Headers.Get("X-Test"))
}

func TestRun_IdempotentMethodRetriesOn500(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := Run(context.Background(), srv.Client(), Request{Method: "GET", URL: srv.URL, MaxRetries: 3})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRun_NonIdempotentDoesNotRetryAfterResponse(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := Run(context.Background(), srv.Client(), Request{Method: "POST", URL: srv.URL, MaxRetries: 3})
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRun_NonIdempotentRetriesOnlyOnPreResponseFailure(t *testing.T) {
	_, err := Run(context.Background(), http.DefaultClient, Request{
		Method:     "POST",
		URL:        "http://127.0.0.1:1/unreachable",
		MaxRetries: 2,
	})
	require.Error(t, err)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestRun_HeadersPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer xyz", r.Header.Get("Authorization"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := Run(context.Background(), srv.Client(), Request{
		Method:  "GET",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer xyz"},
	})
	require.NoError(t, err)
}
