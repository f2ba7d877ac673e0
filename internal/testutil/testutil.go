// Package testutil holds helpers shared by the admin-route tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// LoopbackAddr is the remote address given to debug requests. The tsweb
// debugger only serves callers it considers local.
const LoopbackAddr = "127.0.0.1:12345"

// DebugRequest builds a request that the debug mux will accept.
func DebugRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = LoopbackAddr
	return req
}

// Serve runs a debug request through h and returns the recorded response.
func Serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, DebugRequest(method, target))
	return rec
}

// DecodeJSON decodes a recorded JSON body into a T, failing the test on error.
func DecodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}
