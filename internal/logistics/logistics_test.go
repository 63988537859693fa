package logistics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestQueueTransferRejectsHTTPDestination(t *testing.T) {
	l := New(nil)
	src, _ := NewSource("/tmp/a", Direct)
	dest, _ := NewSource("https://example.com/a", HTTP)
	if err := l.QueueTransfer(src, dest); err == nil {
		t.Fatal("expected error for http destination")
	}
}

func TestQueueTransferRejectsTwoRemoteSides(t *testing.T) {
	l := New(nil)
	src, _ := NewSource("ep1:/a", LocalBatch)
	dest, _ := NewSource("host2:/b", RemoteShell)
	if err := l.QueueTransfer(src, dest); err == nil {
		t.Fatal("expected error for two remote transports")
	}
}

func TestNewSourceRejectsRelativeLocalPath(t *testing.T) {
	if _, err := NewSource("relative/path", Direct); err == nil {
		t.Fatal("expected error for relative local source")
	}
}

func TestExecuteTransfersCopiesLocalFiles(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	destPath := filepath.Join(dir, "out", "dest.txt")
	if err := os.WriteFile(srcPath, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := New(nil)
	src, _ := NewSource(srcPath, Direct)
	dest, _ := NewSource(destPath, Direct)
	if err := l.QueueTransfer(src, dest); err != nil {
		t.Fatalf("QueueTransfer: %v", err)
	}

	res := l.ExecuteTransfers(context.Background(), "")
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Completed) != 1 {
		t.Fatalf("expected 1 completed transfer, got %d", len(res.Completed))
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestExecuteTransfersSymlinks(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	destPath := filepath.Join(dir, "link.txt")
	if err := os.WriteFile(srcPath, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := New(nil)
	src, _ := NewSource(srcPath, Direct)
	dest, _ := NewSource(destPath, Symlink)
	if err := l.QueueTransfer(src, dest); err != nil {
		t.Fatalf("QueueTransfer: %v", err)
	}

	res := l.ExecuteTransfers(context.Background(), "")
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	info, err := os.Lstat(destPath)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("expected a symlink at %s", destPath)
	}
}

func TestExecuteTransfersHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "downloaded.bin")

	l := New(nil)
	src, _ := NewSource(srv.URL, HTTP)
	dest, _ := NewSource(destPath, Direct)
	if err := l.QueueTransfer(src, dest); err != nil {
		t.Fatalf("QueueTransfer: %v", err)
	}

	res := l.ExecuteTransfers(context.Background(), "")
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestSourceNameAndJoin(t *testing.T) {
	src, _ := NewSource("/data/root", Direct)
	joined, err := src.Join("a/b.txt")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joined.Address != "/data/root/a/b.txt" {
		t.Fatalf("got %q", joined.Address)
	}
	if joined.Name(true) != "b.txt" {
		t.Fatalf("got %q", joined.Name(true))
	}
	if joined.Name(false) != "b" {
		t.Fatalf("got %q", joined.Name(false))
	}
}

func TestSourceHashStable(t *testing.T) {
	a, _ := NewSource("/data/a", Direct)
	b, _ := NewSource("/data/a", Direct)
	if a.hash() != b.hash() {
		t.Fatalf("expected equal hashes for equal sources")
	}
}
