package source

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newFixtureSQLite(t *testing.T, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.sqlite")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	const table = "LEVEL1_SOILMET_30MIN"
	if _, err := db.Exec(`CREATE TABLE ` + table + ` (site_id TEXT, date_time TEXT, soil_moisture REAL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO `+table+` (site_id, date_time, soil_moisture) VALUES (?, ?, ?)`,
			"MORLY", "2024-01-01T00:00:00", float64(i)); err != nil {
			t.Fatalf("insert row %d: %v", i, err)
		}
	}
	return path
}

func TestLoopingSQL_WraparoundS7(t *testing.T) {
	path := newFixtureSQLite(t, 4)
	ls, err := NewLoopingSQL(path)
	if err != nil {
		t.Fatalf("NewLoopingSQL: %v", err)
	}
	defer ls.Close()

	ctx := context.Background()
	offsets := []uint64{0, 1, 2, 3, 4, 8}
	wantRows := []float64{0, 1, 2, 3, 0, 0}

	for i, off := range offsets {
		row, err := ls.LatestForSite(ctx, "MORLY", LevelSoilmet30Min, off)
		if err != nil {
			t.Fatalf("offset %d: %v", off, err)
		}
		v, ok := row.Get("soil_moisture")
		if !ok {
			t.Fatalf("offset %d: soil_moisture missing", off)
		}
		if v != wantRows[i] {
			t.Fatalf("offset %d: got %v, want %v", off, v, wantRows[i])
		}
	}
}

func TestLoopingSQL_SiteIDs(t *testing.T) {
	path := newFixtureSQLite(t, 2)
	ls, err := NewLoopingSQL(path)
	if err != nil {
		t.Fatalf("NewLoopingSQL: %v", err)
	}
	defer ls.Close()

	sites, err := ls.SiteIDs(context.Background(), LevelSoilmet30Min, 0)
	if err != nil {
		t.Fatalf("SiteIDs: %v", err)
	}
	if len(sites) != 1 || sites[0] != "MORLY" {
		t.Fatalf("got %v, want [MORLY]", sites)
	}
}

func TestLoopingSQL_UnknownSiteIsNoData(t *testing.T) {
	path := newFixtureSQLite(t, 1)
	ls, err := NewLoopingSQL(path)
	if err != nil {
		t.Fatalf("NewLoopingSQL: %v", err)
	}
	defer ls.Close()

	_, err = ls.LatestForSite(context.Background(), "NOPE", LevelSoilmet30Min, 0)
	if err != ErrNoData {
		t.Fatalf("got %v, want ErrNoData", err)
	}
}
