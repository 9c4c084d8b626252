package source

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// colSiteID and colDateTime name the two mandatory columns of every
// table. Result column names matching them case-insensitively are
// renamed to "SITE_ID" and "DATE_TIME" in the returned Row; columns
// keep the order sqlite reports them in.
const (
	colSiteID   = "site_id"
	colDateTime = "date_time"
)

// LoopingSQL is a DataSource backed by an embedded SQL database file
// with one table per Table enum value, each carrying site_id and
// date_time columns plus an open set of sensor columns. A single
// connection is shared across all devices of a Swarm; access is
// serialized with a mutex because spec.md §5 only requires "safe for
// serialized use", not true concurrency.
type LoopingSQL struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ DataSource = (*LoopingSQL)(nil)

// NewLoopingSQL opens the sqlite database file at path.
func NewLoopingSQL(path string) (*LoopingSQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "source: open sqlite database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "source: ping sqlite database")
	}
	return &LoopingSQL{db: db, path: path}, nil
}

// Reopen re-establishes the database connection after a Swarm snapshot
// has been deserialized, per spec.md §4.1's "reopened after
// deserialization" requirement. The Path is preserved across snapshot
// round-trips for exactly this purpose.
func (s *LoopingSQL) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errors.Wrap(err, "source: reopen sqlite database")
	}
	s.db = db
	return nil
}

// Path returns the filesystem path of the underlying database, used to
// reconstruct the data source after a snapshot load.
func (s *LoopingSQL) Path() string { return s.path }

// Close releases the underlying connection.
func (s *LoopingSQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *LoopingSQL) SiteIDs(ctx context.Context, table Table, maxSites int) ([]SiteID, error) {
	checkMaxSites(maxSites)
	if !table.Valid() {
		return nil, errors.Errorf("source: invalid table %q", table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT DISTINCT(" + colSiteID + ") FROM " + string(table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "source: query site ids")
	}
	defer rows.Close()

	var out []SiteID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "source: scan site id")
		}
		out = append(out, SiteID(id))
		if maxSites > 0 && len(out) >= maxSites {
			break
		}
	}
	return out, rows.Err()
}

// LatestForSite runs "SELECT * FROM <table> WHERE site_id = ? LIMIT 1
// OFFSET ?"; if that yields no row the offset is treated as zero and
// the query is re-issued once, matching spec.md §4.1.
func (s *LoopingSQL) LatestForSite(ctx context.Context, site SiteID, table Table, offset uint64) (Row, error) {
	if !table.Valid() {
		return Row{}, errors.Errorf("source: invalid table %q", table)
	}

	row, ok, err := s.queryAt(ctx, site, table, offset)
	if err != nil {
		return Row{}, err
	}
	if ok {
		return row, nil
	}
	if offset == 0 {
		return Row{}, ErrNoData
	}

	row, ok, err = s.queryAt(ctx, site, table, 0)
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, ErrNoData
	}
	return row, nil
}

func (s *LoopingSQL) queryAt(ctx context.Context, site SiteID, table Table, offset uint64) (Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT * FROM " + string(table) + " WHERE " + colSiteID + " = ? LIMIT 1 OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, string(site), offset)
	if err != nil {
		return Row{}, false, errors.Wrap(err, "source: query latest for site")
	}
	defer rows.Close()

	if !rows.Next() {
		return Row{}, false, rows.Err()
	}

	cols, err := rows.Columns()
	if err != nil {
		return Row{}, false, errors.Wrap(err, "source: read columns")
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return Row{}, false, errors.Wrap(err, "source: scan row")
	}

	row := Row{Columns: make([]Column, len(cols))}
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row.Columns[i] = Column{Name: normalizeSQLColumn(c), Value: v}
	}
	return row, true, nil
}

func normalizeSQLColumn(name string) string {
	if strings.EqualFold(name, colDateTime) {
		return "DATE_TIME"
	}
	if strings.EqualFold(name, colSiteID) {
		return "SITE_ID"
	}
	return name
}
