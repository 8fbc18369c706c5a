package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/fetcher"
	"github.com/uabbasi/good-measure-giving/internal/model"
)

var (
	importBMF        string
	importXLSX       string
	importEFile      string
	importSheet      string
	importSkipRows   int
	importState      string
	importNTEE       string
	importMinRevenue int64
	importOut        string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Build an EIN selector file from IRS bulk data",
	Long:  "Reads the IRS Business Master File (CSV over HTTP, FTP or a local path), a registry XLSX workbook, or a Form 990 e-file ZIP archive, filters the organizations, and writes a selector file usable with run --file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		set := 0
		for _, s := range []string{importBMF, importXLSX, importEFile} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return eris.New("exactly one of --bmf, --xlsx or --efile is required")
		}

		filter := importFilter{
			state:      strings.ToUpper(strings.TrimSpace(importState)),
			nteePrefix: strings.ToUpper(strings.TrimSpace(importNTEE)),
			minRevenue: importMinRevenue,
		}

		var (
			recs   []fetcher.BMFRecord
			source string
			err    error
		)
		switch {
		case importBMF != "":
			source = importBMF
			recs, err = bmfRecords(ctx, importBMF, cfg.Pipeline.WorkDir, filter)
		case importXLSX != "":
			source = importXLSX
			recs, err = xlsxRecords(importXLSX, importSheet, importSkipRows, filter)
		default:
			source = importEFile
			recs, err = efileRecords(ctx, importEFile, cfg.Pipeline.WorkDir, filter)
		}
		if err != nil {
			return eris.Wrapf(err, "import %s", source)
		}
		if len(recs) == 0 {
			return eris.Errorf("import %s: no organizations matched the filters", source)
		}

		if err := writeSelectorFile(importOut, source, recs); err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.String("source", source),
			zap.Int("organizations", len(recs)),
			zap.String("out", importOut),
		)
		return nil
	},
}

// importFilter narrows bulk records to the organizations worth evaluating.
type importFilter struct {
	state      string
	nteePrefix string
	minRevenue int64
}

func (f importFilter) match(rec fetcher.BMFRecord) bool {
	if f.state != "" && !strings.EqualFold(rec.State, f.state) {
		return false
	}
	if f.nteePrefix != "" && !strings.HasPrefix(strings.ToUpper(rec.NTEECode), f.nteePrefix) {
		return false
	}
	if f.minRevenue > 0 && rec.Revenue < f.minRevenue {
		return false
	}
	return true
}

// bmfRecords streams the Business Master File from an HTTP URL, an FTP URL
// or a local path and returns the records passing the filter.
func bmfRecords(ctx context.Context, src, workDir string, filter importFilter) ([]fetcher.BMFRecord, error) {
	rc, err := openBMF(ctx, src, workDir)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	var recs []fetcher.BMFRecord
	recCh, errCh := fetcher.StreamBMF(ctx, rc)
	for rec := range recCh {
		if filter.match(rec) {
			recs = append(recs, rec)
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return recs, nil
}

// openBMF resolves the BMF source. HTTP downloads land in a cache file under
// workDir with an ETag sidecar, so an unchanged monthly file is not pulled
// twice. FTP URLs go through the FTP fetcher. Anything else is a local path.
func openBMF(ctx context.Context, src, workDir string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		path, err := cachedBMF(ctx, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), src, workDir)
		if err != nil {
			return nil, err
		}
		return os.Open(path)
	case strings.HasPrefix(src, "ftp://"):
		return fetcher.NewFTPFetcher(fetcher.FTPOptions{}).Download(ctx, src)
	default:
		f, err := os.Open(src)
		if err != nil {
			return nil, eris.Wrapf(err, "open BMF file %s", src)
		}
		return f, nil
	}
}

// cachedBMF downloads the BMF only when the server-side ETag differs from
// the one recorded next to the cached copy, and returns the cache path.
func cachedBMF(ctx context.Context, f fetcher.Fetcher, rawURL, workDir string) (string, error) {
	cachePath := filepath.Join(workDir, "bmf.csv")
	etagPath := cachePath + ".etag"

	var etag string
	if b, err := os.ReadFile(etagPath); err == nil {
		if _, statErr := os.Stat(cachePath); statErr == nil {
			etag = strings.TrimSpace(string(b))
		}
	}

	body, newETag, changed, err := f.DownloadIfChanged(ctx, rawURL, etag)
	if err != nil {
		return "", eris.Wrap(err, "download BMF")
	}
	if !changed {
		zap.L().Info("bmf unchanged, using cached copy",
			zap.String("url", rawURL),
			zap.String("path", cachePath),
		)
		return cachePath, nil
	}
	defer body.Close() //nolint:errcheck

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", eris.Wrap(err, "create work directory")
	}
	out, err := os.Create(cachePath)
	if err != nil {
		return "", eris.Wrap(err, "create BMF cache file")
	}
	n, err := io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", eris.Wrap(err, "write BMF cache file")
	}
	if newETag != "" {
		if err := os.WriteFile(etagPath, []byte(newETag), 0o644); err != nil {
			return "", eris.Wrap(err, "write BMF etag")
		}
	}

	zap.L().Info("bmf downloaded",
		zap.String("url", rawURL),
		zap.Int64("bytes", n),
		zap.String("etag", newETag),
	)
	return cachePath, nil
}

// xlsxRecords reads a registry workbook. The first non-skipped row is the
// header and is matched against the BMF column names (EIN, NAME, STATE,
// NTEE_CD, REVENUE_AMT), so state registry exports that mirror the IRS
// layout load without configuration.
func xlsxRecords(path, sheet string, skipRows int, filter importFilter) ([]fetcher.BMFRecord, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: sheet, SkipRows: skipRows})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("xlsx %s: no rows after skipping %d", path, skipRows)
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		cols[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	einCol, ok := cols["EIN"]
	if !ok {
		return nil, eris.Errorf("xlsx %s: header has no EIN column: %v", path, rows[0])
	}
	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var recs []fetcher.BMFRecord
	for _, row := range rows[1:] {
		if einCol >= len(row) {
			continue
		}
		ein, err := model.NormalizeEIN(row[einCol])
		if err != nil {
			continue
		}
		rec := fetcher.BMFRecord{
			EIN:      ein,
			Name:     field(row, "NAME"),
			City:     field(row, "CITY"),
			State:    field(row, "STATE"),
			NTEECode: field(row, "NTEE_CD"),
		}
		if rev := field(row, "REVENUE_AMT"); rev != "" {
			if n, err := strconv.ParseInt(rev, 10, 64); err == nil {
				rec.Revenue = n
			}
		}
		if filter.match(rec) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// efileRecords extracts the XML returns from a Form 990 e-file ZIP archive
// and reads one record per return.
func efileRecords(ctx context.Context, zipPath, workDir string, filter importFilter) ([]fetcher.BMFRecord, error) {
	destDir := filepath.Join(workDir, "efile")
	paths, err := fetcher.ExtractEFileArchive(zipPath, destDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, eris.Errorf("efile %s: archive contains no XML returns", zipPath)
	}

	var recs []fetcher.BMFRecord
	for _, p := range paths {
		rs, err := readReturnFile(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, rec := range rs {
			if filter.match(rec) {
				recs = append(recs, rec)
			}
		}
	}
	return recs, nil
}

func readReturnFile(ctx context.Context, path string) ([]fetcher.BMFRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open return %s", path)
	}
	defer f.Close() //nolint:errcheck

	var recs []fetcher.BMFRecord
	retCh, errCh := fetcher.StreamReturns(ctx, f)
	for ret := range retCh {
		ein, err := model.NormalizeEIN(ret.EIN)
		if err != nil {
			zap.L().Warn("efile return with bad EIN skipped",
				zap.String("path", path),
				zap.String("ein", ret.EIN),
			)
			continue
		}
		recs = append(recs, fetcher.BMFRecord{
			EIN:     ein,
			Name:    ret.BusinessName,
			Revenue: ret.TotalRevenue,
		})
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return recs, nil
}

// writeSelectorFile writes one EIN per line, deduplicated and sorted, with
// the organization names carried as comment lines so the file stays usable
// with run --file.
func writeSelectorFile(path, source string, recs []fetcher.BMFRecord) error {
	byEIN := map[string]fetcher.BMFRecord{}
	for _, rec := range recs {
		byEIN[rec.EIN] = rec
	}
	eins := make([]string, 0, len(byEIN))
	for ein := range byEIN {
		eins = append(eins, ein)
	}
	sort.Strings(eins)

	var b strings.Builder
	fmt.Fprintf(&b, "# imported from %s\n", source)
	for _, ein := range eins {
		if name := byEIN[ein].Name; name != "" {
			fmt.Fprintf(&b, "# %s\n", name)
		}
		fmt.Fprintln(&b, ein)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return eris.Wrapf(err, "write selector file %s", path)
	}
	return nil
}

func init() {
	importCmd.Flags().StringVar(&importBMF, "bmf", "", "Business Master File CSV (http://, ftp:// or local path)")
	importCmd.Flags().StringVar(&importXLSX, "xlsx", "", "registry XLSX workbook path")
	importCmd.Flags().StringVar(&importEFile, "efile", "", "Form 990 e-file ZIP archive path")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().IntVar(&importSkipRows, "skip-rows", 0, "XLSX rows to skip before the header")
	importCmd.Flags().StringVar(&importState, "state", "", "keep only organizations in this state")
	importCmd.Flags().StringVar(&importNTEE, "ntee", "", "keep only NTEE codes with this prefix")
	importCmd.Flags().Int64Var(&importMinRevenue, "min-revenue", 0, "keep only organizations at or above this revenue")
	importCmd.Flags().StringVar(&importOut, "out", "", "selector file to write (required)")
	_ = importCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(importCmd)
}
