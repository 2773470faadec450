package sidecar

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/devmux/devmux/pkg/protocol"
)

func TestWriteUpload(t *testing.T) {
	workDir := t.TempDir()
	content := []byte("hello upload")

	data, err := writeUpload(workDir, &protocol.FileUploadPayload{
		Filename: "docs/readme.txt",
		Data:     base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		t.Fatalf("writeUpload failed: %v", err)
	}
	if data.Path != "docs/readme.txt" {
		t.Errorf("Path = %q, want %q", data.Path, "docs/readme.txt")
	}
	if data.Size != len(content) {
		t.Errorf("Size = %d, want %d", data.Size, len(content))
	}

	got, err := os.ReadFile(filepath.Join(workDir, "docs", "readme.txt"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("file content = %q, want %q", got, content)
	}
}

func TestWriteUploadRawFallback(t *testing.T) {
	workDir := t.TempDir()

	// Not valid base64, so the payload is written as-is.
	data, err := writeUpload(workDir, &protocol.FileUploadPayload{
		Filename: "plain.txt",
		Data:     "not base64 !!!",
	})
	if err != nil {
		t.Fatalf("writeUpload failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(workDir, "plain.txt"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(got) != "not base64 !!!" {
		t.Errorf("file content = %q, want raw payload", got)
	}
	if data.Size != len("not base64 !!!") {
		t.Errorf("Size = %d, want %d", data.Size, len("not base64 !!!"))
	}
}

func TestWriteUploadRejectsEscapes(t *testing.T) {
	workDir := t.TempDir()

	tests := []struct {
		name     string
		filename string
	}{
		{"empty filename", ""},
		{"parent traversal", "../escape.txt"},
		{"nested traversal", "docs/../../escape.txt"},
		{"absolute path", "/etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeUpload(workDir, &protocol.FileUploadPayload{
				Filename: tt.filename,
				Data:     "x",
			})
			if err == nil {
				t.Errorf("expected error for filename %q", tt.filename)
			}
		})
	}
}

func TestTailscaleStatusWithoutCLI(t *testing.T) {
	if _, err := exec.LookPath("tailscale"); err == nil {
		t.Skip("tailscale is installed on this host")
	}

	if _, err := tailscaleStatus(context.Background()); err == nil {
		t.Error("expected error when tailscale is not installed")
	}
}
