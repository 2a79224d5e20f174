package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestGlob(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.go":             "package main\n",
		"internal/a/a.go":     "package a\n",
		"internal/a/a.md":     "# a\n",
		"node_modules/x/x.go": "package x\n",
	})
	r := DefaultRegistry(dir)

	tests := []struct {
		name    string
		params  map[string]string
		want    []string
		isError bool
	}{
		{name: "recursive", params: map[string]string{"pattern": "**/*.go"}, want: []string{"internal/a/a.go", "main.go"}},
		{name: "top level", params: map[string]string{"pattern": "*.go"}, want: []string{"main.go"}},
		{name: "sub path", params: map[string]string{"pattern": "*.md", "path": "internal/a"}, want: []string{"a.md"}},
		{name: "no match", params: map[string]string{"pattern": "*.rs"}, want: []string{"no files matched"}},
		{name: "missing pattern", params: map[string]string{}, isError: true},
		{name: "bad pattern", params: map[string]string{"pattern": "[a"}, isError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Run(context.Background(), "Glob", params(t, tt.params))
			assert.Equal(t, tt.isError, res.IsError, res.Content)
			if tt.isError {
				return
			}
			got := strings.Split(strings.TrimSpace(res.Content), "\n")
			for i := range got {
				got[i] = filepath.ToSlash(got[i])
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestGrep(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"a.go":          "package a\nfunc Hello() {}\n",
		"b.txt":         "hello world\n",
		"sub/c.go":      "package sub\n// hello again\n",
		"vendor/v.go":   "func Hello() {}\n",
		"bin/blob.data": "Hello\x00\x01",
	})
	r := DefaultRegistry(dir)

	res := r.Run(context.Background(), "Grep", params(t, map[string]any{"pattern": "Hello"}))
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "a.go", strings.TrimSpace(res.Content))

	res = r.Run(context.Background(), "Grep", params(t, map[string]any{"pattern": "hello", "-i": true, "glob": "*.go", "output_mode": "content"}))
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "a.go:2: func Hello() {}")
	assert.Contains(t, res.Content, filepath.Join("sub", "c.go")+":2: // hello again")
	assert.NotContains(t, res.Content, "b.txt")
	assert.NotContains(t, res.Content, "vendor")

	res = r.Run(context.Background(), "Grep", params(t, map[string]any{"pattern": "nothing here"}))
	assert.Equal(t, "no matches found", res.Content)

	res = r.Run(context.Background(), "Grep", params(t, map[string]any{"pattern": "("}))
	assert.True(t, res.IsError)
}
