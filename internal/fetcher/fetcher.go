// Package fetcher retrieves raw provider payloads over HTTP and FTP and
// unpacks archived bulk exports.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote provider data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path.
	// Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// GetJSON fetches the URL and decodes the response body into out.
	GetJSON(ctx context.Context, url string, out any) error
}
