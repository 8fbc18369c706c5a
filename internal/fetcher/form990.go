package fetcher

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// Return990 holds the Form 990 e-file fields the extract phase consumes.
// The IRS schema nests these under ReturnHeader and ReturnData; the xml
// paths below follow the 2016+ schema versions.
type Return990 struct {
	EIN            string `xml:"ReturnHeader>Filer>EIN"`
	BusinessName   string `xml:"ReturnHeader>Filer>BusinessName>BusinessNameLine1Txt"`
	TaxPeriodEnd   string `xml:"ReturnHeader>TaxPeriodEndDt"`
	TotalRevenue   int64  `xml:"ReturnData>IRS990>CYTotalRevenueAmt"`
	TotalExpenses  int64  `xml:"ReturnData>IRS990>CYTotalExpensesAmt"`
	ProgramExpense int64  `xml:"ReturnData>IRS990>TotalProgramServiceExpensesAmt"`
	WebsiteAddress string `xml:"ReturnData>IRS990>WebsiteAddressTxt"`
	MissionDesc    string `xml:"ReturnData>IRS990>MissionDesc"`
}

// StreamXML decodes XML elements matching the given local name and sends them
// to a channel. The type parameter T must be a struct with appropriate xml
// tags. Older e-file archives are windows-1252 encoded, so the decoder
// resolves charsets through htmlindex rather than assuming UTF-8.
// Both channels are closed when processing completes.
func StreamXML[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := xml.NewDecoder(r)
		decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
			enc, err := htmlindex.Get(charset)
			if err != nil {
				return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
			}
			return enc.NewDecoder().Reader(input), nil
		}

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "xml: read token")
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}

			if se.Name.Local != elementName {
				continue
			}

			var item T
			if err := decoder.DecodeElement(&item, &se); err != nil {
				errCh <- eris.Wrap(err, "xml: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// StreamReturns decodes Form 990 returns from an e-file XML document.
func StreamReturns(ctx context.Context, r io.Reader) (<-chan Return990, <-chan error) {
	return StreamXML[Return990](ctx, r, "Return")
}

// ExtractEFileArchive extracts all XML return documents from an IRS e-file
// ZIP archive into destDir. Returns the list of extracted file paths.
func ExtractEFileArchive(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "efile: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(f.Name), ".xml") {
			continue
		}
		path, err := extractZIPEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		extracted = append(extracted, path)
	}

	return extracted, nil
}

// extractZIPEntry extracts a single zip.File to the destination directory.
func extractZIPEntry(f *zip.File, destDir string) (string, error) {
	// Sanitize against zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("efile: illegal path %q (zip slip attempt)", f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "efile: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "efile: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "efile: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "efile: write file")
	}

	return destPath, nil
}
