package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	readDefaultLimit = 2000
	readMaxLineLen   = 2000
)

// Read returns file contents with line numbers.
type Read struct {
	workDir string
}

// NewRead creates a new read tool.
func NewRead(workDir string) *Read {
	return &Read{workDir: workDir}
}

func (r *Read) Name() string {
	return "Read"
}

func (r *Read) Description() string {
	return `Read a file. Output is numbered cat -n style.
Relative paths resolve against the working directory.`
}

type readParams struct {
	FilePath string `json:"file_path" jsonschema:"required,description=Path to the file to read"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Line number to start from (1-indexed)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to read"`
}

func (r *Read) Schema() json.RawMessage {
	return generateSchema[readParams]()
}

func (r *Read) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[readParams](params)
	if bad != nil {
		return bad, nil
	}
	if p.FilePath == "" {
		return Errorf("file_path is required"), nil
	}

	path := resolvePath(r.workDir, p.FilePath)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("file not found: %s", p.FilePath), nil
		}
		return Errorf("cannot access file: %v", err), nil
	}
	if info.IsDir() {
		return Errorf("%s is a directory, not a file", p.FilePath), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Errorf("failed to read file: %v", err), nil
	}
	if len(content) == 0 {
		return &Result{Content: "(empty file)"}, nil
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	start := max(p.Offset, 1) - 1
	if start >= len(lines) {
		return Errorf("offset %d exceeds file length %d", p.Offset, len(lines)), nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = readDefaultLimit
	}
	end := min(start+limit, len(lines))

	var sb strings.Builder
	for i := start; i < end; i++ {
		line := lines[i]
		if len(line) > readMaxLineLen {
			line = line[:readMaxLineLen] + "..."
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
	}
	return &Result{Content: sb.String()}, nil
}
