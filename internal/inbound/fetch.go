package inbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ImageFetcher downloads an image and returns it base64 encoded. Injectable
// so tests do not hit the network.
type ImageFetcher func(ctx context.Context, url string) (string, error)

// maxImageBytes caps a single downloaded image. Anything larger would blow
// the upstream frame budget anyway.
const maxImageBytes = 32 * 1024 * 1024

var imageClient = &http.Client{Timeout: 30 * time.Second}

// FetchImageBase64 downloads url and returns the body base64 encoded.
func FetchImageBase64(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	resp, err := imageClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch image: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	if len(body) > maxImageBytes {
		return "", fmt.Errorf("fetch image: body exceeds %d bytes", maxImageBytes)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}
