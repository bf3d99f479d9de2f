package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalUploaderWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	u := NewLocal(dir)

	path, err := u.Upload(context.Background(), "run-1/build.log", []byte("compiling\ndone"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	want := filepath.Join(dir, "run-1", "build.log")
	if path != want {
		t.Fatalf("expected path %s, got %s", want, path)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "compiling\ndone" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestLocalUploaderRejectsTraversal(t *testing.T) {
	u := NewLocal(t.TempDir())
	if _, err := u.Upload(context.Background(), "../escape.log", []byte("x")); err == nil {
		t.Fatalf("expected traversal rejection")
	}
}

func TestUploadAsyncNilUploader(t *testing.T) {
	// Must be a no-op, not a panic.
	UploadAsync(context.Background(), nil, "run-1/build.log", []byte("x"))
}
