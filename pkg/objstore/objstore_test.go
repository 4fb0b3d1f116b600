package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCleanKey(t *testing.T) {
	good := map[string]string{
		"t1/doc1/file.pdf":  "t1/doc1/file.pdf",
		"/t1/doc1/file.pdf": "t1/doc1/file.pdf",
		" t1/a ":            "t1/a",
		"t1//a":             "t1/a",
	}
	for in, want := range good {
		got, err := CleanKey(in)
		if err != nil {
			t.Errorf("CleanKey(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("CleanKey(%q) = %q, want %q", in, got, want)
		}
	}
	for _, in := range []string{"", "   ", "..", "../etc/passwd", "t1/../../etc/passwd", "."} {
		if _, err := CleanKey(in); err == nil {
			t.Errorf("CleanKey(%q) should be rejected", in)
		}
	}
}

func TestDiskRoundtrip(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	content := []byte("%PDF-1.4 fake body")
	if err := disk.Put(ctx, "t1/d1/beyanname.pdf", "application/pdf", bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, contentType, err := disk.Get(ctx, "t1/d1/beyanname.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: %q", got)
	}
	if contentType != "application/pdf" {
		t.Fatalf("content type = %s", contentType)
	}

	if err := disk.Delete(ctx, "t1/d1/beyanname.pdf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := disk.Get(ctx, "t1/d1/beyanname.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDiskGetMissing(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	if _, _, err := disk.Get(context.Background(), "t1/none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := disk.Delete(context.Background(), "t1/none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestDiskDefaultContentType(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()
	if err := disk.Put(ctx, "t1/raw", "", strings.NewReader("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, contentType, err := disk.Get(ctx, "t1/raw")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rc.Close()
	if contentType != "application/octet-stream" {
		t.Fatalf("content type = %s", contentType)
	}
}

func TestDiskRejectsTraversal(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	if err := disk.Put(context.Background(), "../outside", "text/plain", strings.NewReader("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestNewDiskRequiresRoot(t *testing.T) {
	if _, err := NewDisk("  "); err == nil {
		t.Fatal("expected error for empty root")
	}
}
