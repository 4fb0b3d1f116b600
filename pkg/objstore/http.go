package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStorage talks to an S3-compatible gateway over plain HTTP verbs:
// PUT/GET/DELETE on <endpoint>/<bucket>/<key>.
type HTTPStorage struct {
	Client   *http.Client
	Endpoint string
	Bucket   string
	Headers  map[string]string
	Retries  int
	Delay    time.Duration
}

func (h *HTTPStorage) objectURL(key string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(h.Endpoint), "/")
	if base == "" {
		return "", errors.New("endpoint is empty")
	}
	bucket := strings.Trim(strings.TrimSpace(h.Bucket), "/")
	if bucket == "" {
		return "", errors.New("bucket is empty")
	}
	return base + "/" + bucket + "/" + url.PathEscape(key), nil
}

func (h *HTTPStorage) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (h *HTTPStorage) do(ctx context.Context, method, key string, contentType string, body io.Reader) (*http.Response, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	target, err := h.objectURL(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *HTTPStorage) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	resp, err := h.do(ctx, http.MethodPut, key, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("object store put: status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPStorage) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	resp, err := h.do(ctx, http.MethodGet, key, "", nil)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, "", ErrNotFound
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("object store get: status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return resp.Body, contentType, nil
}

func (h *HTTPStorage) Delete(ctx context.Context, key string) error {
	resp, err := h.do(ctx, http.MethodDelete, key, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("object store delete: status %d", resp.StatusCode)
	}
	return nil
}
