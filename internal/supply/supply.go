// Package supply fetches model blobs for the engine. Fetch failures are
// non-fatal to the assistant, which keeps answering from canned fallbacks.
package supply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"neuropal/internal/logging"
)

// ErrNotFound means the named model does not exist at the supplier.
var ErrNotFound = errors.New("model not found")

// TransportError wraps a network-level fetch failure.
type TransportError struct {
	Name string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error fetching model %q: %v", e.Name, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Supplier provides model blobs by name.
type Supplier interface {
	FetchModelBlob(ctx context.Context, name string) ([]byte, error)
}

// HTTPSupplier fetches model blobs from a remote registry over HTTP.
type HTTPSupplier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSupplier creates a supplier rooted at baseURL. Blobs are expected
// at <baseURL>/<name>.
func NewHTTPSupplier(baseURL string) *HTTPSupplier {
	return &HTTPSupplier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// FetchModelBlob downloads the named blob. 404 maps to ErrNotFound, network
// failures to TransportError.
func (s *HTTPSupplier) FetchModelBlob(ctx context.Context, name string) ([]byte, error) {
	timer := logging.StartTimer(logging.CategorySupply, "FetchModelBlob")
	defer timer.Stop()

	blobURL, err := url.JoinPath(s.baseURL, name)
	if err != nil {
		return nil, fmt.Errorf("failed to build blob URL: %w", err)
	}
	logging.Supply("Fetching model %q from %s", name, blobURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Name: name, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case resp.StatusCode != http.StatusOK:
		return nil, &TransportError{Name: name, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Name: name, Err: err}
	}

	logging.Supply("Fetched model %q: %d bytes", name, len(blob))
	return blob, nil
}

// FileSupplier serves model blobs bundled on local disk.
type FileSupplier struct {
	dir string
}

// NewFileSupplier creates a supplier reading blobs from dir.
func NewFileSupplier(dir string) *FileSupplier {
	return &FileSupplier{dir: dir}
}

// FetchModelBlob reads the named blob from disk. A missing file maps to
// ErrNotFound; other I/O failures to TransportError.
func (s *FileSupplier) FetchModelBlob(ctx context.Context, name string) ([]byte, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	logging.SupplyDebug("Reading model %q from %s", name, path)

	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, &TransportError{Name: name, Err: err}
	}
	return blob, nil
}
