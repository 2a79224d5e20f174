package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	globMaxResults = 500
	grepMaxMatches = 100
	grepMaxLineLen = 200
)

// skipDirs are never descended into by Glob or Grep.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// Glob finds files by pattern.
type Glob struct {
	workDir string
}

// NewGlob creates a new glob tool.
func NewGlob(workDir string) *Glob {
	return &Glob{workDir: workDir}
}

func (g *Glob) Name() string {
	return "Glob"
}

func (g *Glob) Description() string {
	return `Find files matching a glob pattern such as "**/*.go" or "src/**/*.ts".
Paths are relative to the search directory, sorted by modification time (newest first).`
}

type globParams struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern; ** matches across directories"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search (default: working directory)"`
}

func (g *Glob) Schema() json.RawMessage {
	return generateSchema[globParams]()
}

func (g *Glob) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[globParams](params)
	if bad != nil {
		return bad, nil
	}
	if p.Pattern == "" {
		return Errorf("pattern is required"), nil
	}
	if !doublestar.ValidatePattern(p.Pattern) {
		return Errorf("invalid pattern: %s", p.Pattern), nil
	}

	root := g.workDir
	if p.Path != "" {
		root = resolvePath(g.workDir, p.Path)
	}

	type hit struct {
		path  string
		mtime int64
	}
	var hits []hit
	err := doublestar.GlobWalk(os.DirFS(root), filepath.ToSlash(p.Pattern), func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || inSkippedDir(path) {
			return nil
		}
		var mtime int64
		if info, err := d.Info(); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		hits = append(hits, hit{path: filepath.FromSlash(path), mtime: mtime})
		return nil
	})
	if err != nil {
		return Errorf("glob failed: %v", err), nil
	}
	if len(hits) == 0 {
		return &Result{Content: "no files matched"}, nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].mtime != hits[j].mtime {
			return hits[i].mtime > hits[j].mtime
		}
		return hits[i].path < hits[j].path
	})

	var sb strings.Builder
	for i, h := range hits {
		if i == globMaxResults {
			fmt.Fprintf(&sb, "... (%d more)\n", len(hits)-globMaxResults)
			break
		}
		sb.WriteString(h.path)
		sb.WriteByte('\n')
	}
	return &Result{Content: sb.String()}, nil
}

// Grep searches file contents by regular expression.
type Grep struct {
	workDir string
}

// NewGrep creates a new grep tool.
func NewGrep(workDir string) *Grep {
	return &Grep{workDir: workDir}
}

func (g *Grep) Name() string {
	return "Grep"
}

func (g *Grep) Description() string {
	return `Search file contents with a regular expression.
output_mode "content" shows matching lines as path:line: text; "files_with_matches" (default) lists files only.`
}

type grepParams struct {
	Pattern         string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search (default: working directory)"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Only search files matching this glob (e.g. *.go or **/*.ts)"`
	CaseInsensitive bool   `json:"-i,omitempty" jsonschema:"description=Case-insensitive search"`
	OutputMode      string `json:"output_mode,omitempty" jsonschema:"enum=content,enum=files_with_matches"`
}

func (g *Grep) Schema() json.RawMessage {
	return generateSchema[grepParams]()
}

var errGrepLimit = errors.New("match limit reached")

func (g *Grep) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[grepParams](params)
	if bad != nil {
		return bad, nil
	}
	if p.Pattern == "" {
		return Errorf("pattern is required"), nil
	}
	expr := p.Pattern
	if p.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Errorf("invalid regex: %v", err), nil
	}
	if p.Glob != "" && !doublestar.ValidatePattern(p.Glob) {
		return Errorf("invalid glob: %s", p.Glob), nil
	}
	contentMode := p.OutputMode == "content"

	root := g.workDir
	if p.Path != "" {
		root = resolvePath(g.workDir, p.Path)
	}

	var (
		sb      strings.Builder
		matches int
		files   int
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, rerr := filepath.Rel(g.workDir, path)
		if rerr != nil {
			rel = path
		}
		if p.Glob != "" && !matchesGlob(p.Glob, root, path) {
			return nil
		}

		lines, serr := searchFile(path, re)
		if serr != nil || len(lines) == 0 {
			return nil
		}
		files++
		if !contentMode {
			sb.WriteString(rel)
			sb.WriteByte('\n')
			return nil
		}
		for _, l := range lines {
			text := l.text
			if len(text) > grepMaxLineLen {
				text = text[:grepMaxLineLen] + "..."
			}
			fmt.Fprintf(&sb, "%s:%d: %s\n", rel, l.num, text)
			matches++
			if matches >= grepMaxMatches {
				return errGrepLimit
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errGrepLimit):
		fmt.Fprintf(&sb, "\n... (limited to %d matches)", grepMaxMatches)
	case err != nil:
		return Errorf("search failed: %v", err), nil
	}

	if files == 0 {
		return &Result{Content: "no matches found"}, nil
	}
	return &Result{Content: sb.String()}, nil
}

func inSkippedDir(slashPath string) bool {
	for _, seg := range strings.Split(slashPath, "/") {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}

// matchesGlob matches a bare pattern like "*.go" against the file name and
// a pattern with a separator against the path below root.
func matchesGlob(pattern, root, path string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, filepath.Base(path))
		return ok
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel))
	return ok
}

type grepLine struct {
	num  int
	text string
}

// searchFile returns the lines of path matching re. Files that look binary
// are skipped.
func searchFile(path string, re *regexp.Regexp) ([]grepLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	head, _ := r.Peek(512)
	if strings.IndexByte(string(head), 0) >= 0 {
		return nil, nil
	}

	var out []grepLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Text()
		if re.MatchString(line) {
			out = append(out, grepLine{num: n, text: strings.TrimSpace(line)})
		}
	}
	return out, scanner.Err()
}
