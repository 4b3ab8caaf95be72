package payment_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeProvider is an httptest server that records every request it receives.
type fakeProvider struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
	bodies   map[string][]byte
}

func newFakeProvider(t *testing.T, routes map[string]http.HandlerFunc) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{bodies: make(map[string][]byte)}
	fp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		key := r.Method + " " + r.URL.Path
		fp.mu.Lock()
		fp.requests = append(fp.requests, r)
		fp.bodies[key] = body
		fp.mu.Unlock()
		handler, ok := routes[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(fp.Close)
	return fp
}

func (fp *fakeProvider) calls() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.requests)
}

func (fp *fakeProvider) body(key string) []byte {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.bodies[key]
}

func (fp *fakeProvider) lastRequest(path string) *http.Request {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for i := len(fp.requests) - 1; i >= 0; i-- {
		if fp.requests[i].URL.Path == path {
			return fp.requests[i]
		}
	}
	return nil
}

func (fp *fakeProvider) lastHeader(path, name string) string {
	if r := fp.lastRequest(path); r != nil {
		return r.Header.Get(name)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
