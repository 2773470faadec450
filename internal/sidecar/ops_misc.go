package sidecar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/devmux/devmux/pkg/protocol"
)

// FileUploadData is the file:upload response body.
type FileUploadData struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

// writeUpload stores an uploaded file under the workspace root. The filename
// may carry subdirectories but must stay inside the workspace; the file data
// is base64, falling back to the raw string for plain-text callers.
func writeUpload(workDir string, p *protocol.FileUploadPayload) (*FileUploadData, error) {
	if p.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	name := filepath.Clean(p.Filename)
	if filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid filename: %s", p.Filename)
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		data = []byte(p.Data)
	}

	dest := filepath.Join(workDir, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing upload: %w", err)
	}

	return &FileUploadData{Path: name, Size: len(data)}, nil
}

// tailscaleStatus shells out to the tailscale CLI and passes its JSON status
// through untouched. Workspaces without tailscale get a clear error.
func tailscaleStatus(ctx context.Context) (json.RawMessage, error) {
	if _, err := exec.LookPath("tailscale"); err != nil {
		return nil, fmt.Errorf("tailscale not installed")
	}

	out, err := exec.CommandContext(ctx, "tailscale", "status", "--json").Output()
	if err != nil {
		return nil, fmt.Errorf("tailscale status failed: %w", err)
	}
	return json.RawMessage(out), nil
}
