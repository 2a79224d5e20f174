package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write creates or replaces a file.
type Write struct {
	workDir string
}

// NewWrite creates a new write tool.
func NewWrite(workDir string) *Write {
	return &Write{workDir: workDir}
}

func (w *Write) Name() string {
	return "Write"
}

func (w *Write) Description() string {
	return `Write content to a file, replacing it if it exists.
Parent directories are created as needed.`
}

type writeParams struct {
	FilePath string `json:"file_path" jsonschema:"required,description=Path to the file to write"`
	Content  string `json:"content" jsonschema:"required,description=Full file content"`
}

func (w *Write) Schema() json.RawMessage {
	return generateSchema[writeParams]()
}

func (w *Write) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[writeParams](params)
	if bad != nil {
		return bad, nil
	}
	if p.FilePath == "" {
		return Errorf("file_path is required"), nil
	}

	path := resolvePath(w.workDir, p.FilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf("failed to create directory: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return Errorf("failed to write file: %v", err), nil
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.FilePath)}, nil
}
