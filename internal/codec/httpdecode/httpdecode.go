// Package httpdecode transparently unwraps a content-encoded upstream
// response body before the codec's streaming parser ever sees a byte.
// Antigravity and Kiro have both been observed answering with
// Content-Encoding: br even though the dispatch request never advertised
// brotli support in Accept-Encoding, so the gateway must be able to decode
// it unconditionally rather than only when it asked for it.
package httpdecode

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Body wraps resp.Body with the decoder matching resp's Content-Encoding
// header. An unrecognized or empty encoding returns resp.Body unchanged.
// The caller is still responsible for closing resp.Body; the returned
// reader never needs its own Close (brotli.Reader and gzip.Reader wrap an
// existing io.Reader without owning a separate resource).
func Body(resp *http.Response) io.Reader {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return gz
	default:
		return resp.Body
	}
}
