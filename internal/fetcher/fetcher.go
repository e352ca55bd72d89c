// Package fetcher downloads report documents. The pipeline needs whole
// documents in memory to fingerprint them, so fetchers return bytes rather
// than streams, bounded by MaxBytes.
package fetcher

import (
	"context"
	"net/url"

	"github.com/rotisserie/eris"
)

// DefaultMaxBytes bounds a single document download.
const DefaultMaxBytes = 64 << 20

// Fetcher downloads one URL and returns the raw document bytes.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Dispatcher routes URLs to scheme-specific fetchers.
type Dispatcher struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// NewDispatcher wires the scheme fetchers.
func NewDispatcher(httpFetcher *HTTPFetcher, ftpFetcher *FTPFetcher) *Dispatcher {
	return &Dispatcher{http: httpFetcher, ftp: ftpFetcher}
}

// Fetch downloads rawURL with the fetcher matching its scheme.
func (d *Dispatcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse url")
	}
	switch u.Scheme {
	case "http", "https":
		return d.http.Fetch(ctx, rawURL)
	case "ftp":
		return d.ftp.Fetch(ctx, rawURL)
	default:
		return nil, eris.Errorf("unsupported url scheme %q", u.Scheme)
	}
}
