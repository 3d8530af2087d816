package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrNotFound = errors.New("file not found on server")

// maxBodySize bounds a single fetched payload; map images are a few MB at most.
const maxBodySize = 64 << 20

// FetchBytes downloads url and returns its body. A 404 maps to ErrNotFound and
// any other non-200 status to an error carrying the status line.
func FetchBytes(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("response larger than %d bytes", maxBodySize)
	}
	return body, nil
}
