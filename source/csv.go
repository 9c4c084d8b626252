package source

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const csvDateTimeLayout = "02-Jan-06 15.04.05"

// LoopingCSV is a DataSource backed by an in-memory table loaded once
// from a CSV file with a header row and a SITE_ID column (DATE_TIME
// optional). All rows are loaded at construction and the store is
// read-only thereafter, so concurrent use across devices needs no
// locking.
type LoopingCSV struct {
	siteOrder []SiteID
	bySite    map[SiteID][]Row
}

var _ DataSource = (*LoopingCSV)(nil)

// NewLoopingCSV reads csvPath fully into memory.
func NewLoopingCSV(csvPath string) (*LoopingCSV, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "source: open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "source: read csv header")
	}

	siteCol := -1
	for i, h := range header {
		if strings.EqualFold(h, "SITE_ID") {
			siteCol = i
			break
		}
	}
	if siteCol < 0 {
		return nil, errors.New("source: csv must have a SITE_ID column")
	}

	lc := &LoopingCSV{bySite: make(map[SiteID][]Row)}

	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrap(err, "source: read csv row")
		}

		row := Row{Columns: make([]Column, 0, len(header))}
		for i, h := range header {
			var raw string
			if i < len(record) {
				raw = record[i]
			}
			row.Columns = append(row.Columns, Column{Name: h, Value: parseCSVValue(h, raw)})
		}

		site := SiteID(record[siteCol])
		if _, ok := lc.bySite[site]; !ok {
			lc.siteOrder = append(lc.siteOrder, site)
		}
		lc.bySite[site] = append(lc.bySite[site], row)
	}

	return lc, nil
}

func (lc *LoopingCSV) SiteIDs(_ context.Context, _ Table, maxSites int) ([]SiteID, error) {
	checkMaxSites(maxSites)
	if maxSites == 0 || maxSites > len(lc.siteOrder) {
		out := make([]SiteID, len(lc.siteOrder))
		copy(out, lc.siteOrder)
		return out, nil
	}
	out := make([]SiteID, maxSites)
	copy(out, lc.siteOrder[:maxSites])
	return out, nil
}

func (lc *LoopingCSV) LatestForSite(_ context.Context, site SiteID, _ Table, offset uint64) (Row, error) {
	rows := lc.bySite[site]
	if len(rows) == 0 {
		return Row{}, ErrNoData
	}
	return rows[offset%uint64(len(rows))], nil
}

// parseCSVValue converts a raw CSV cell into a typed scalar: the
// DATE_TIME column (case-insensitive) is parsed as a timestamp, blank
// cells and the literal "NaN" become nil (matching pandas' NaN->None
// substitution in the Python source), and everything else is inferred
// as bool, int64, float64 or left as string.
func parseCSVValue(col, raw string) any {
	if raw == "" || strings.EqualFold(raw, "nan") {
		return nil
	}

	if strings.EqualFold(col, "DATE_TIME") {
		if t, err := time.Parse(csvDateTimeLayout, raw); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999999", raw); err == nil {
			return t
		}
		return raw
	}

	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
