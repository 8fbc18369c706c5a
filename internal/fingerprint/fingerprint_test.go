package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newHasher(t *testing.T, root string) *Hasher {
	t.Helper()
	h, err := NewHasher(root)
	require.NoError(t, err)
	return h
}

func TestPhaseDeterminism(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "b.go", "package b\n")

	def := model.PhaseDefinition{Name: "crawl", SourceGlobs: []string{"*.go"}}

	first := newHasher(t, dir).Phase(def)
	second := newHasher(t, dir).Phase(def)
	assert.Equal(t, first, second)
	assert.NotEqual(t, Sentinel, first)
	assert.Len(t, first, 16)
}

func TestPhaseChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")

	def := model.PhaseDefinition{Name: "crawl", SourceGlobs: []string{"*.go"}}
	before := newHasher(t, dir).Phase(def)

	writeFile(t, dir, "a.go", "package a // edited\n")
	after := newHasher(t, dir).Phase(def)

	assert.NotEqual(t, before, after)
}

func TestPhaseSentinelWhenNoFiles(t *testing.T) {
	dir := t.TempDir()

	h := newHasher(t, dir)
	fp := h.Phase(model.PhaseDefinition{Name: "ghost", SourceGlobs: []string{"*.go"}})
	assert.Equal(t, Sentinel, fp)

	fp = h.Phase(model.PhaseDefinition{Name: "empty"})
	assert.Equal(t, Sentinel, fp)
}

func TestPhaseSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "b.go", "package b\n")

	def := model.PhaseDefinition{Name: "crawl", SourceGlobs: []string{"*.go"}}
	full := newHasher(t, dir).Phase(def)

	// Removing a file must not crash; the digest just changes.
	require.NoError(t, os.Remove(filepath.Join(dir, "b.go")))
	partial := newHasher(t, dir).Phase(def)
	assert.NotEqual(t, full, partial)
	assert.NotEqual(t, Sentinel, partial)
}

func TestPhaseMemoization(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")

	def := model.PhaseDefinition{Name: "crawl", SourceGlobs: []string{"*.go"}}
	h := newHasher(t, dir)
	before := h.Phase(def)

	// The memo pins the digest for the process even if the file changes.
	writeFile(t, dir, "a.go", "package a // edited\n")
	assert.Equal(t, before, h.Phase(def))

	// Invalidate forces a re-read.
	h.Invalidate("crawl")
	assert.NotEqual(t, before, h.Phase(def))
}

func TestPhaseIndependentOfRoot(t *testing.T) {
	def := model.PhaseDefinition{Name: "crawl", SourceGlobs: []string{"*.go", "sub/*.go"}}

	roots := []string{t.TempDir(), t.TempDir()}
	digests := make([]string, len(roots))
	for i, root := range roots {
		writeFile(t, root, "crawl.go", "package pipeline\n")
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
		writeFile(t, filepath.Join(root, "sub"), "helper.go", "package sub\n")
		digests[i] = newHasher(t, root).Phase(def)
	}

	// Identical contents must fingerprint identically regardless of where
	// the tree is checked out; otherwise a shared store invalidates itself
	// whenever a second machine runs the pipeline.
	assert.Equal(t, digests[0], digests[1])
}

func TestPhaseChangesWhenBytesMoveBetweenFiles(t *testing.T) {
	def := model.PhaseDefinition{Name: "p", SourceGlobs: []string{"*.go"}}

	dir1 := t.TempDir()
	writeFile(t, dir1, "a.go", "onetwo")
	writeFile(t, dir1, "b.go", "")

	dir2 := t.TempDir()
	writeFile(t, dir2, "a.go", "one")
	writeFile(t, dir2, "b.go", "two")

	assert.NotEqual(t, newHasher(t, dir1).Phase(def), newHasher(t, dir2).Phase(def))
}

func TestPhaseOrderIndependentOfGlobOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "b.txt", "data\n")

	fp1 := newHasher(t, dir).Phase(model.PhaseDefinition{
		Name: "p", SourceGlobs: []string{"*.go", "*.txt"},
	})
	fp2 := newHasher(t, dir).Phase(model.PhaseDefinition{
		Name: "p", SourceGlobs: []string{"*.txt", "*.go"},
	})
	assert.Equal(t, fp1, fp2)
}
