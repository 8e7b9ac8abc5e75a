package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func handlerCounting(calls *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func TestReplayWithSameKey(t *testing.T) {
	cache := New(time.Minute, 16)
	defer cache.Stop()
	var calls atomic.Int64
	h := Middleware(cache)(handlerCounting(&calls))

	req1 := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{}"))
	req1.Header.Set("Idempotency-Key", "k1")
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)
	require.Empty(t, rec1.Header().Get("Idempotency-Replay"))

	req2 := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{}"))
	req2.Header.Set("Idempotency-Key", "k1")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, http.StatusCreated, rec2.Code)
	require.Equal(t, "true", rec2.Header().Get("Idempotency-Replay"))
	require.JSONEq(t, rec1.Body.String(), rec2.Body.String())
}

func TestKeyScopedToPath(t *testing.T) {
	cache := New(time.Minute, 16)
	defer cache.Stop()
	var calls atomic.Int64
	h := Middleware(cache)(handlerCounting(&calls))

	for _, path := range []string{"/run", "/projects/run-scenario"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", "shared")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.Equal(t, int64(2), calls.Load(), "same key on different paths must not replay")
}

func TestNoKeyPassesThrough(t *testing.T) {
	cache := New(time.Minute, 16)
	defer cache.Stop()
	var calls atomic.Int64
	h := Middleware(cache)(handlerCounting(&calls))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{}"))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.Equal(t, int64(3), calls.Load())
}

func TestCacheExpiry(t *testing.T) {
	cache := New(20*time.Millisecond, 16)
	defer cache.Stop()
	cache.Set("k", []byte("v"), 200, nil)
	_, ok := cache.Get("k")
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)
	_, ok = cache.Get("k")
	require.False(t, ok)
}

func TestCacheEviction(t *testing.T) {
	cache := New(time.Minute, 2)
	defer cache.Stop()
	cache.Set("a", []byte("1"), 200, nil)
	time.Sleep(time.Millisecond)
	cache.Set("b", []byte("2"), 200, nil)
	time.Sleep(time.Millisecond)
	cache.Set("c", []byte("3"), 200, nil)

	_, okA := cache.Get("a")
	require.False(t, okA, "oldest entry evicted")
	_, okC := cache.Get("c")
	require.True(t, okC)
}
