package model

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// PhaseDefinition declares a named pipeline phase: the source files that
// define its behavior, how long its cached output stays fresh, and which
// phases must run before it.
type PhaseDefinition struct {
	Name string `yaml:"name" json:"name"`

	// SourceGlobs are filepath.Glob patterns matching the files whose
	// contents define this phase's behavior. Editing any matched file
	// changes the phase fingerprint and invalidates cached results.
	SourceGlobs []string `yaml:"source_globs" json:"source_globs"`

	// TTL bounds the age of a cached result. Zero or negative means the
	// cache never expires by age.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// Upstream lists phases whose output this phase consumes.
	Upstream []string `yaml:"upstream" json:"upstream"`
}

// Unbounded reports whether the phase cache never expires by age.
func (p PhaseDefinition) Unbounded() bool {
	return p.TTL <= 0
}

// phasesFile is the on-disk shape of a phases.yaml document.
type phasesFile struct {
	Phases []PhaseDefinition `yaml:"phases"`
}

// LoadPhases reads phase definitions from a YAML file.
func LoadPhases(path string) ([]PhaseDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "phases: read %s", path)
	}
	var f phasesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "phases: parse %s", path)
	}
	if len(f.Phases) == 0 {
		return nil, eris.Errorf("phases: %s declares no phases", path)
	}
	seen := make(map[string]bool, len(f.Phases))
	for _, p := range f.Phases {
		if p.Name == "" {
			return nil, eris.Errorf("phases: unnamed phase in %s", path)
		}
		if seen[p.Name] {
			return nil, eris.Errorf("phases: duplicate phase %q in %s", p.Name, path)
		}
		seen[p.Name] = true
	}
	return f.Phases, nil
}

// DefaultPhases returns the built-in research pipeline: crawl fetches raw
// filings, extract parses them, synthesize derives metrics and narrative,
// baseline scores, and rich renders the full report.
func DefaultPhases() []PhaseDefinition {
	return []PhaseDefinition{
		{
			Name:        "crawl",
			SourceGlobs: []string{"internal/pipeline/crawl.go", "internal/fetcher/*.go", "pkg/propublica/*.go"},
			TTL:         30 * 24 * time.Hour,
		},
		{
			Name:        "extract",
			SourceGlobs: []string{"internal/pipeline/extract.go"},
			Upstream:    []string{"crawl"},
		},
		{
			Name:        "synthesize",
			SourceGlobs: []string{"internal/pipeline/synthesize.go", "pkg/claude/*.go"},
			TTL:         90 * 24 * time.Hour,
			Upstream:    []string{"extract"},
		},
		{
			Name:        "baseline",
			SourceGlobs: []string{"internal/pipeline/baseline.go"},
			Upstream:    []string{"synthesize"},
		},
		{
			Name:        "rich",
			SourceGlobs: []string{"internal/pipeline/rich.go"},
			Upstream:    []string{"baseline"},
		},
	}
}
