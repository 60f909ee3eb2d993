package artifactserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/ttscache"
)

func writeArtifact(t *testing.T, root, node, name string, data []byte) {
	t.Helper()
	dir := filepath.Join(root, node)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServeArtifactHit(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeArtifact(t, root, "welcome", "abc123.mp3", []byte("mp3-bytes"))
	srv := httptest.NewServer(New(root, zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + ttscache.PublicPathPrefix + "/welcome/abc123.mp3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "mp3-bytes" {
		t.Fatalf("body = %q", body)
	}
}

func TestServeArtifactMiss(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(t.TempDir(), zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + ttscache.PublicPathPrefix + "/welcome/missing.mp3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServeArtifactRejectsTraversal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv := httptest.NewServer(New(root, zerolog.Nop()))
	defer srv.Close()

	// The client escapes the dots so the path reaches the handler unclean.
	req, err := http.NewRequest(http.MethodGet, srv.URL+ttscache.PublicPathPrefix+"/%2e%2e/secret.txt", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if string(body) == "secret" {
			t.Fatalf("traversal escaped the cache root")
		}
	}
}

func TestServeArtifactOnlyGet(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeArtifact(t, root, "welcome", "abc123.mp3", []byte("mp3-bytes"))
	srv := httptest.NewServer(New(root, zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+ttscache.PublicPathPrefix+"/welcome/abc123.mp3", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("POST served an artifact")
	}
}

func TestContentTypes(t *testing.T) {
	t.Parallel()

	cases := []struct{ name, want string }{
		{"a.mp3", "audio/mpeg"},
		{"a.wav", "audio/wav"},
		{"a.ogg", "audio/ogg"},
		{"a.bin", "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := contentType(tc.name); got != tc.want {
			t.Errorf("contentType(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
