package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Edit replaces an exact string in a file.
type Edit struct {
	workDir string
}

// NewEdit creates a new edit tool.
func NewEdit(workDir string) *Edit {
	return &Edit{workDir: workDir}
}

func (e *Edit) Name() string {
	return "Edit"
}

func (e *Edit) Description() string {
	return `Replace old_string with new_string in a file.
old_string must match exactly, including whitespace, and must be unique unless replace_all is set.`
}

type editParams struct {
	FilePath   string `json:"file_path" jsonschema:"required,description=Path to the file to edit"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence"`
}

func (e *Edit) Schema() json.RawMessage {
	return generateSchema[editParams]()
}

func (e *Edit) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[editParams](params)
	if bad != nil {
		return bad, nil
	}
	switch {
	case p.FilePath == "":
		return Errorf("file_path is required"), nil
	case p.OldString == "":
		return Errorf("old_string is required"), nil
	case p.OldString == p.NewString:
		return Errorf("old_string and new_string must be different"), nil
	}

	path := resolvePath(e.workDir, p.FilePath)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("file not found: %s", p.FilePath), nil
		}
		return Errorf("failed to read file: %v", err), nil
	}

	text := string(content)
	count := strings.Count(text, p.OldString)
	switch {
	case count == 0:
		return Errorf("old_string not found in %s", p.FilePath), nil
	case count > 1 && !p.ReplaceAll:
		return Errorf("old_string found %d times in %s; set replace_all or add context", count, p.FilePath), nil
	}

	n := 1
	if p.ReplaceAll {
		n = -1
	}
	updated := strings.Replace(text, p.OldString, p.NewString, n)

	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, []byte(updated), mode); err != nil {
		return Errorf("failed to write file: %v", err), nil
	}

	if p.ReplaceAll && count > 1 {
		return &Result{Content: fmt.Sprintf("replaced %d occurrences in %s", count, p.FilePath)}, nil
	}
	return &Result{Content: fmt.Sprintf("edited %s", p.FilePath)}, nil
}
