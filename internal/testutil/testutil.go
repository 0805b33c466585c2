// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/doorway.report/internal/ld20"
)

// Frame encodes a valid LD20 frame whose twelve points all report distance.
func Frame(start, end float64, distance uint16) []byte {
	p := ld20.Packet{Version: 0x2C, Speed: 3600, StartAngle: start, EndAngle: end}
	for i := range p.Points {
		p.Points[i] = ld20.Point{Distance: distance, Intensity: 200}
	}
	return ld20.Encode(p)
}

// Repeat concatenates n copies of frame.
func Repeat(frame []byte, n int) []byte {
	out := make([]byte, 0, len(frame)*n)
	for i := 0; i < n; i++ {
		out = append(out, frame...)
	}
	return out
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// DecodeJSON decodes the recorded response body into a T, failing the test on
// malformed JSON.
func DecodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// LocalRequest creates a test request that appears to come from localhost,
// which tsweb debug handlers require.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
