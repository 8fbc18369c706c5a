package model

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// Org represents a nonprofit organization to be researched, keyed by EIN.
type Org struct {
	EIN     string `json:"ein"`
	Name    string `json:"name,omitempty"`
	Website string `json:"website,omitempty"`
	State   string `json:"state,omitempty"`
	NTEE    string `json:"ntee,omitempty"`
}

var einPattern = regexp.MustCompile(`^\d{2}-?\d{7}$`)

// NormalizeEIN canonicalizes an EIN to the dashed NN-NNNNNNN form.
func NormalizeEIN(raw string) (string, error) {
	ein := strings.TrimSpace(raw)
	if !einPattern.MatchString(ein) {
		return "", eris.Errorf("invalid EIN %q (want NN-NNNNNNN)", raw)
	}
	digits := strings.ReplaceAll(ein, "-", "")
	return digits[:2] + "-" + digits[2:], nil
}

// ParseOrg builds an Org from a raw EIN, normalizing it first.
func ParseOrg(rawEIN string) (Org, error) {
	ein, err := NormalizeEIN(rawEIN)
	if err != nil {
		return Org{}, err
	}
	return Org{EIN: ein}, nil
}
