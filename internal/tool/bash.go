package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	bashDefaultTimeout = 120 * time.Second
	bashMaxTimeout     = 600 * time.Second
	maxOutputBytes     = 30000
)

// Bash executes shell commands.
type Bash struct {
	workDir string
}

// NewBash creates a new bash tool.
func NewBash(workDir string) *Bash {
	return &Bash{workDir: workDir}
}

func (b *Bash) Name() string {
	return "Bash"
}

func (b *Bash) Description() string {
	return `Execute a bash command in the session's working directory.
Returns stdout and stderr combined. A non-zero exit status is reported as an error.`
}

type bashParams struct {
	Command     string `json:"command" jsonschema:"required,description=The bash command to execute"`
	Timeout     int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds (default 120; max 600)"`
	Description string `json:"description,omitempty" jsonschema:"description=Short summary of what the command does"`
}

func (b *Bash) Schema() json.RawMessage {
	return generateSchema[bashParams]()
}

func (b *Bash) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[bashParams](params)
	if bad != nil {
		return bad, nil
	}
	if strings.TrimSpace(p.Command) == "" {
		return Errorf("command is required"), nil
	}

	timeout := bashDefaultTimeout
	if p.Timeout > 0 {
		timeout = min(time.Duration(p.Timeout)*time.Second, bashMaxTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
	cmd.Dir = b.workDir
	cmd.Env = os.Environ()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := truncate(strings.TrimSpace(out.String()), maxOutputBytes)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Errorf("command timed out after %s\n%s", timeout, output), nil
		}
		return Errorf("%v\n%s", err, output), nil
	}
	if output == "" {
		output = "(no output)"
	}
	return &Result{Content: output}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (output truncated)"
}
