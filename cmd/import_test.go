//go:build !integration

package main

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/uabbasi/good-measure-giving/internal/fetcher"
)

const sampleBMF = `EIN,NAME,CITY,STATE,NTEE_CD,REVENUE_AMT
131644147,AMERICAN NATIONAL RED CROSS,WASHINGTON,DC,P43,3100000000
911914868,HABITAT FOR HUMANITY,SEATTLE,WA,L20,311000000
530196605,AMERICAN UNIVERSITY,WASHINGTON,DC,B43,900000000
`

func TestImportFilterMatch(t *testing.T) {
	rec := fetcher.BMFRecord{EIN: "13-1644147", Name: "RED CROSS", State: "DC", NTEECode: "P43", Revenue: 500}

	assert.True(t, importFilter{}.match(rec))
	assert.True(t, importFilter{state: "DC"}.match(rec))
	assert.False(t, importFilter{state: "WA"}.match(rec))
	assert.True(t, importFilter{nteePrefix: "P"}.match(rec))
	assert.False(t, importFilter{nteePrefix: "B"}.match(rec))
	assert.True(t, importFilter{minRevenue: 500}.match(rec))
	assert.False(t, importFilter{minRevenue: 501}.match(rec))
}

func TestBMFRecords_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bmf.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleBMF), 0644))

	recs, err := bmfRecords(context.Background(), path, t.TempDir(), importFilter{state: "DC"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "13-1644147", recs[0].EIN)
	assert.Equal(t, "53-0196605", recs[1].EIN)
}

func TestCachedBMF_SkipsUnchangedDownload(t *testing.T) {
	var full atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(sampleBMF))
	}))
	defer srv.Close()

	workDir := t.TempDir()
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})

	path, err := cachedBMF(context.Background(), f, srv.URL, workDir)
	require.NoError(t, err)

	again, err := cachedBMF(context.Background(), f, srv.URL, workDir)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), full.Load(), "unchanged file must be served from the cache copy")

	b, err := os.ReadFile(again)
	require.NoError(t, err)
	assert.Equal(t, sampleBMF, string(b))
}

func TestXLSXRecords(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Registry")
	require.NoError(t, err)
	for _, rowData := range [][]string{
		{"EIN", "NAME", "STATE", "NTEE_CD", "REVENUE_AMT"},
		{"131644147", "AMERICAN NATIONAL RED CROSS", "DC", "P43", "3100000000"},
		{"not-an-ein", "BROKEN ROW", "DC", "P43", "1"},
		{"911914868", "HABITAT FOR HUMANITY", "WA", "L20", "311000000"},
	} {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "registry.xlsx")
	require.NoError(t, f.Save(path))

	recs, err := xlsxRecords(path, "", 0, importFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "13-1644147", recs[0].EIN)
	assert.Equal(t, int64(3100000000), recs[0].Revenue)
	assert.Equal(t, "91-1914868", recs[1].EIN)

	filtered, err := xlsxRecords(path, "", 0, importFilter{state: "WA"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "HABITAT FOR HUMANITY", filtered[0].Name)
}

func TestEFileRecords(t *testing.T) {
	const ret = `<?xml version="1.0" encoding="UTF-8"?>
<ReturnSet>
  <Return>
    <ReturnHeader>
      <Filer>
        <EIN>131644147</EIN>
        <BusinessName><BusinessNameLine1Txt>AMERICAN NATIONAL RED CROSS</BusinessNameLine1Txt></BusinessName>
      </Filer>
    </ReturnHeader>
    <ReturnData><IRS990><CYTotalRevenueAmt>3100000000</CYTotalRevenueAmt></IRS990></ReturnData>
  </Return>
</ReturnSet>`

	zipPath := filepath.Join(t.TempDir(), "efile.zip")
	zf, err := os.Create(zipPath)
	require.NoError(t, err)
	w := zip.NewWriter(zf)
	entry, err := w.Create("returns/131644147.xml")
	require.NoError(t, err)
	_, err = entry.Write([]byte(ret))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, zf.Close())

	recs, err := efileRecords(context.Background(), zipPath, t.TempDir(), importFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "13-1644147", recs[0].EIN)
	assert.Equal(t, "AMERICAN NATIONAL RED CROSS", recs[0].Name)
	assert.Equal(t, int64(3100000000), recs[0].Revenue)
}

func TestWriteSelectorFile_RoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "eins.txt")
	err := writeSelectorFile(out, "bmf.csv", []fetcher.BMFRecord{
		{EIN: "91-1914868", Name: "HABITAT FOR HUMANITY"},
		{EIN: "13-1644147", Name: "AMERICAN NATIONAL RED CROSS"},
		{EIN: "13-1644147", Name: "AMERICAN NATIONAL RED CROSS"},
	})
	require.NoError(t, err)

	orgs, err := readEINFile(out)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "13-1644147", orgs[0].EIN)
	assert.Equal(t, "91-1914868", orgs[1].EIN)
}
