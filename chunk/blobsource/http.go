package blobsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chunkvault/blobsource")

// copyChunkSize bounds how much of a file is copied between cancellation
// checks, so a single large file can't stall a Cancel signal indefinitely.
const copyChunkSize = 4 << 20 // 4 MiB

// HTTPSource fetches files over plain HTTP(S) with a bounded
// idle-connection pool and an overall client timeout.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource builds an HTTPSource with a per-request timeout.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 10
	t.IdleConnTimeout = 120 * time.Second

	return &HTTPSource{
		client: &http.Client{
			Timeout:   timeout,
			Transport: t,
		},
	}
}

// Fetch downloads url into dest, writing to a temp file in dest's directory
// and renaming into place only once the transfer completes successfully.
func (s *HTTPSource) Fetch(ctx context.Context, url, dest string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Kind: Failed, Reason: err.Error()}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Kind: Cancelled}
		}
		log.Errorf("fetch %s: %s", url, err)
		return Result{Kind: Failed, Reason: err.Error()}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return Result{Kind: Failed, Reason: fmt.Sprintf("status code %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{Kind: Failed, Reason: err.Error()}
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return Result{Kind: Failed, Reason: err.Error()}
	}

	if res := copyWithCancel(ctx, f, resp.Body); res.Kind != Ok {
		f.Close() //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return res
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return Result{Kind: Failed, Reason: err.Error()}
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return Result{Kind: Failed, Reason: err.Error()}
	}

	return Result{Kind: Ok}
}

// copyWithCancel copies src into dst in bounded chunks, checking ctx
// between each chunk so a long single-file transfer still observes
// cancellation promptly.
func copyWithCancel(ctx context.Context, dst io.Writer, src io.Reader) Result {
	buf := make([]byte, copyChunkSize)
	for {
		select {
		case <-ctx.Done():
			return Result{Kind: Cancelled}
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return Result{Kind: Failed, Reason: werr.Error()}
			}
		}
		if err == io.EOF {
			return Result{Kind: Ok}
		}
		if err != nil {
			if ctx.Err() != nil {
				return Result{Kind: Cancelled}
			}
			return Result{Kind: Failed, Reason: err.Error()}
		}
	}
}
