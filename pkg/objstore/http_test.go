package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newGatewayServer(t *testing.T, objects map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			objects[key] = body
			w.WriteHeader(200)
		case http.MethodGet:
			body, ok := objects[key]
			if !ok {
				w.WriteHeader(404)
				return
			}
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(body)
		case http.MethodDelete:
			if _, ok := objects[key]; !ok {
				w.WriteHeader(404)
				return
			}
			delete(objects, key)
			w.WriteHeader(204)
		default:
			w.WriteHeader(405)
		}
	}))
}

func TestHTTPStorageRoundtrip(t *testing.T) {
	objects := map[string][]byte{}
	srv := newGatewayServer(t, objects)
	defer srv.Close()

	store := &HTTPStorage{
		Client:   srv.Client(),
		Endpoint: srv.URL,
		Bucket:   "documents",
	}
	ctx := context.Background()

	content := []byte("invoice scan")
	if err := store.Put(ctx, "t1/d1", "image/png", bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("object not stored: %v", mapKeys(objects))
	}

	rc, contentType, err := store.Get(ctx, "t1/d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: %q", got)
	}
	if contentType != "application/pdf" {
		t.Fatalf("content type = %s", contentType)
	}

	if err := store.Delete(ctx, "t1/d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := store.Get(ctx, "t1/d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func mapKeys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestHTTPStorageAuthHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	store := &HTTPStorage{
		Client:   srv.Client(),
		Endpoint: srv.URL,
		Bucket:   "documents",
		Headers:  map[string]string{"X-Api-Key": "secret"},
	}
	if err := store.Put(context.Background(), "t1/d1", "text/plain", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if gotAuth != "secret" {
		t.Fatalf("auth header not forwarded, got %q", gotAuth)
	}
}

func TestHTTPStoragePutFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	store := &HTTPStorage{Client: srv.Client(), Endpoint: srv.URL, Bucket: "documents"}
	if err := store.Put(context.Background(), "t1/d1", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestHTTPStorageConfigErrors(t *testing.T) {
	store := &HTTPStorage{Bucket: "documents"}
	if err := store.Put(context.Background(), "t1/d1", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error without endpoint")
	}
	store = &HTTPStorage{Endpoint: "http://example.invalid"}
	if err := store.Put(context.Background(), "t1/d1", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error without bucket")
	}
}
