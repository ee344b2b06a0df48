// Package fetcher retrieves job input files from local paths and HTTP or FTP
// sources.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a source URL and returns the body stream.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Source routes a URL to the right fetcher by scheme. Bare paths and
// file:// URLs are read from the local filesystem.
type Source struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// NewSource creates a Source with the given per-request timeout.
func NewSource(timeout time.Duration) *Source {
	return &Source{
		http: NewHTTPFetcher(HTTPOptions{Timeout: timeout}),
		ftp:  NewFTPFetcher(FTPOptions{Timeout: timeout}),
	}
}

// Open returns a reader for the source URL.
func (s *Source) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse source %q", rawURL)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = rawURL
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", path)
		}
		return f, nil
	case "http", "https":
		return s.http.Download(ctx, rawURL)
	case "ftp":
		return s.ftp.Download(ctx, rawURL)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}
