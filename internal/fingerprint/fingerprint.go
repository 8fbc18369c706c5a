package fingerprint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// Sentinel is returned when a phase declares no source files or none of its
// globs match anything on disk. It is not valid hex so it can never collide
// with a real digest, which keeps such phases permanently uncacheable.
const Sentinel = "no-source-files"

// Hasher computes deterministic digests over the files that define a phase's
// behavior. Digests are memoized per phase for the life of the process, so
// repeated validity checks across a batch do not re-read source files.
type Hasher struct {
	root string
	memo *lru.Cache[string, string]
}

// NewHasher creates a Hasher resolving globs relative to root. Construct one
// per process and pass it to callers; the memo is scoped to this instance.
func NewHasher(root string) (*Hasher, error) {
	memo, err := lru.New[string, string](256)
	if err != nil {
		return nil, eris.Wrap(err, "fingerprint: init memo cache")
	}
	return &Hasher{root: root, memo: memo}, nil
}

// Phase returns the digest for a phase definition, memoized by phase name.
func (h *Hasher) Phase(def model.PhaseDefinition) string {
	if fp, ok := h.memo.Get(def.Name); ok {
		return fp
	}
	fp := h.compute(def)
	h.memo.Add(def.Name, fp)
	return fp
}

// Invalidate drops the memoized digest for a phase, forcing the next Phase
// call to re-read source files.
func (h *Hasher) Invalidate(phase string) {
	h.memo.Remove(phase)
}

func (h *Hasher) compute(def model.PhaseDefinition) string {
	files := h.resolve(def.SourceGlobs)
	if len(files) == 0 {
		return Sentinel
	}

	digest := xxhash.New()
	for _, name := range files {
		// Unreadable files are skipped: a missing source file must not
		// take down the whole batch.
		if err := h.hashFile(digest, name); err != nil {
			zap.L().Warn("fingerprint: skipping unreadable file",
				zap.String("phase", def.Name),
				zap.String("path", name),
				zap.Error(err),
			)
		}
	}
	return fmt.Sprintf("%016x", digest.Sum64())
}

// resolve expands globs against the root and returns matched files as
// root-relative slash paths in a stable sorted order, deduplicated. Relative
// names keep digests identical across machines and checkout locations; only
// file names and contents may influence the hash, never where the tree sits.
func (h *Hasher) resolve(globs []string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(h.root, g))
		if err != nil {
			zap.L().Warn("fingerprint: bad glob", zap.String("glob", g), zap.Error(err))
			continue
		}
		for _, m := range matches {
			info, statErr := os.Stat(m)
			if statErr != nil || info.IsDir() {
				continue
			}
			rel, relErr := filepath.Rel(h.root, m)
			if relErr != nil {
				zap.L().Warn("fingerprint: unrelatable path", zap.String("path", m), zap.Error(relErr))
				continue
			}
			name := filepath.ToSlash(rel)
			if !seen[name] {
				seen[name] = true
				files = append(files, name)
			}
		}
	}
	sort.Strings(files)
	return files
}

func (h *Hasher) hashFile(digest *xxhash.Digest, name string) error {
	f, err := os.Open(filepath.Join(h.root, filepath.FromSlash(name)))
	if err != nil {
		return eris.Wrapf(err, "fingerprint: open %s", name)
	}
	defer f.Close()

	// The relative name separates file contents so that moving bytes
	// between files changes the digest.
	_, _ = digest.WriteString(name)
	_, _ = digest.Write([]byte{0})
	if _, err := io.Copy(digest, f); err != nil {
		return eris.Wrapf(err, "fingerprint: read %s", name)
	}
	_, _ = digest.Write([]byte{0})
	return nil
}
