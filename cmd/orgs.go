package main

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/cache"
	"github.com/uabbasi/good-measure-giving/internal/model"
)

// readEINFile parses a selector file: one EIN per line, blank lines and
// lines starting with # ignored.
func readEINFile(path string) ([]model.Org, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open EIN file %s", path)
	}
	defer f.Close() //nolint:errcheck

	var orgs []model.Org
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		org, err := model.ParseOrg(text)
		if err != nil {
			return nil, eris.Wrapf(err, "%s:%d", path, line)
		}
		orgs = append(orgs, org)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "read EIN file %s", path)
	}
	if len(orgs) == 0 {
		return nil, eris.Errorf("EIN file %s contains no organizations", path)
	}
	return orgs, nil
}

// selectOrgs resolves the --ein / --file / --all flags to a concrete org
// list. Exactly one selector must be given.
func selectOrgs(ctx context.Context, st cache.Store, ein, file string, all bool) ([]model.Org, error) {
	set := 0
	if ein != "" {
		set++
	}
	if file != "" {
		set++
	}
	if all {
		set++
	}
	if set != 1 {
		return nil, eris.New("exactly one of --ein, --file or --all is required")
	}

	switch {
	case ein != "":
		org, err := model.ParseOrg(ein)
		if err != nil {
			return nil, err
		}
		return []model.Org{org}, nil
	case file != "":
		return readEINFile(file)
	default:
		eins, err := st.ListEINs(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "list cached organizations")
		}
		if len(eins) == 0 {
			return nil, eris.New("--all selected but the cache store is empty")
		}
		orgs := make([]model.Org, 0, len(eins))
		for _, e := range eins {
			orgs = append(orgs, model.Org{EIN: e})
		}
		return orgs, nil
	}
}
