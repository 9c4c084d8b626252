// Package source provides the read-only row providers consumed by a
// Device: an in-memory CSV-backed table and an embedded SQL database,
// plus a Mock used in tests and dry runs.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package source

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// SiteID identifies a sensor installation within a Table's rows.
type SiteID string

// Table names one of the closed set of COSMOS datasets a DataSource may
// be queried against. The zero value is not a valid Table.
type Table string

const (
	LevelSoilmet30Min    Table = "LEVEL1_SOILMET_30MIN"
	LevelNMDB1Hour       Table = "LEVEL1_NMDB_1HOUR"
	LevelPrecip1Min      Table = "LEVEL1_PRECIP_1MIN"
	LevelPrecipRaine1Min Table = "LEVEL1_PRECIP_RAINE_1MIN"
	CosmosStatus1Hour    Table = "COSMOS_STATUS_1HOUR"
)

var validTables = map[Table]struct{}{
	LevelSoilmet30Min:    {},
	LevelNMDB1Hour:       {},
	LevelPrecip1Min:      {},
	LevelPrecipRaine1Min: {},
	CosmosStatus1Hour:    {},
}

// Valid reports whether t is one of the closed enum values.
func (t Table) Valid() bool {
	_, ok := validTables[t]
	return ok
}

// Column is one name/value pair of a Row, preserving the source order.
type Column struct {
	Name  string
	Value any
}

// Row is an ordered mapping from column name to scalar value. A plain
// Go map cannot represent this: spec.md requires the adapter to derive
// fields "in first-seen order", which map iteration order cannot
// guarantee, so Row is a slice instead.
type Row struct {
	Columns []Column
}

// Len returns the number of columns.
func (r Row) Len() int { return len(r.Columns) }

// Get returns the value of the named column, case-insensitively, and
// whether it was found.
func (r Row) Get(name string) (any, bool) {
	for _, c := range r.Columns {
		if strings.EqualFold(c.Name, name) {
			return c.Value, true
		}
	}
	return nil, false
}

// IsZero reports whether the row carries no columns, i.e. "no data".
func (r Row) IsZero() bool { return len(r.Columns) == 0 }

// ErrNoData is returned by DataSource implementations (and absorbed by
// Device) when no row is available for a (site, table, offset).
var ErrNoData = errors.New("source: no data found")

// DataSource is the read-only row provider capability set of spec.md
// §4.1. Implementations must not mutate their underlying store.
type DataSource interface {
	// SiteIDs returns distinct site identifiers known to table. If
	// maxSites is 0 all sites are returned; otherwise the first
	// maxSites in natural order. Negative maxSites is a precondition
	// violation and panics, matching the other "Programming" errors
	// in spec.md §7.
	SiteIDs(ctx context.Context, table Table, maxSites int) ([]SiteID, error)

	// LatestForSite returns the row at logical position offset for
	// (site, table), wrapping at the end of the underlying stream.
	// Returns ErrNoData if the (site, table) pair has no rows at all.
	LatestForSite(ctx context.Context, site SiteID, table Table, offset uint64) (Row, error)
}

func checkMaxSites(maxSites int) {
	if maxSites < 0 {
		panic(errors.Errorf("source: maxSites must be >= 0, got %d", maxSites))
	}
}
