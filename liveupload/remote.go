/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package liveupload

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/nerc-ceh/iotswarm/source"
)

// RemoteSource is the subset of a Cosmos-style telemetry database the
// LiveUploader needs: rows for one site, one table, strictly newer
// than a watermark, oldest first so the high-water-mark only ever
// advances monotonically as each row is uploaded.
type RemoteSource interface {
	RowsSince(ctx context.Context, site source.SiteID, table source.Table, since time.Time) ([]source.Row, error)
}

// SQLSource is a RemoteSource backed by a SQL database reachable
// through database/sql, mirroring the source project's Oracle client
// but generalized to any driver registered under driverName.
type SQLSource struct {
	db *sql.DB
}

var _ RemoteSource = (*SQLSource)(nil)

// NewSQLSource opens dataSourceName with the given driver (e.g.
// "sqlite" for the embedded engine used elsewhere in this module, or
// an Oracle/Postgres driver in a deployment that has one registered).
func NewSQLSource(driverName, dataSourceName string) (*SQLSource, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "liveupload: open remote database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "liveupload: ping remote database")
	}
	return &SQLSource{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLSource) Close() error { return s.db.Close() }

// RowsSince runs "SELECT * FROM <table> WHERE site_id = ? AND
// date_time > ? ORDER BY date_time ASC", matching the oldest-first
// iteration order _get_latest_payloads_for_site relied on implicitly.
func (s *SQLSource) RowsSince(ctx context.Context, site source.SiteID, table source.Table, since time.Time) ([]source.Row, error) {
	if !table.Valid() {
		return nil, errors.Errorf("liveupload: invalid table %q", table)
	}

	query := "SELECT * FROM " + string(table) + " WHERE site_id = ? AND date_time > ? ORDER BY date_time ASC"
	rows, err := s.db.QueryContext(ctx, query, string(site), since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "liveupload: query rows since watermark")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "liveupload: read columns")
	}

	var out []source.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "liveupload: scan row")
		}

		row := source.Row{Columns: make([]source.Column, len(cols))}
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row.Columns[i] = source.Column{Name: normalizeColumn(c), Value: v}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func normalizeColumn(name string) string {
	if strings.EqualFold(name, "date_time") {
		return "DATE_TIME"
	}
	if strings.EqualFold(name, "site_id") {
		return "SITE_ID"
	}
	return name
}
