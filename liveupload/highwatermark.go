// Package liveupload replicates newly-arrived rows from an external
// relational database to an object store, exactly once per row per
// run, tracking progress via a durable per-site high-water-mark.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package liveupload

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/nerc-ceh/iotswarm/internal/nlog"
)

// HighWaterMark persists the last-seen row timestamp per site to a
// primary file and a sibling backup, mirroring the Python source's
// pickle-based StateTracker. A corrupt primary falls back to the
// backup; a corrupt backup too is fatal for this table.
type HighWaterMark struct {
	primary *buntdb.DB
	backup  *buntdb.DB

	primaryPath string
	backupPath  string
}

// Open loads (or creates) the high-water-mark state for stateDir/table,
// i.e. files "<stateDir>/<table>.state" and "<table>.state.backup".
func Open(stateDir, table string) (*HighWaterMark, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "liveupload: create state directory")
	}

	primaryPath := filepath.Join(stateDir, table+".state")
	backupPath := primaryPath + ".backup"

	primary, primaryErr := buntdb.Open(primaryPath)
	if primaryErr == nil {
		backup, err := buntdb.Open(backupPath)
		if err != nil {
			primary.Close()
			return nil, errors.Wrap(err, "liveupload: open backup state")
		}
		return &HighWaterMark{primary: primary, backup: backup, primaryPath: primaryPath, backupPath: backupPath}, nil
	}

	nlog.Warningf("liveupload: primary state unreadable for %s, trying backup: %v", table, primaryErr)

	backupDB, err := buntdb.Open(backupPath)
	if err != nil {
		return nil, errors.Errorf("liveupload: both state files unreadable for table %q: primary=%v backup=%v", table, primaryErr, err)
	}

	// Rescue: copy the backup's contents into a fresh primary file.
	if rescueErr := rescuePrimary(primaryPath, backupDB); rescueErr != nil {
		backupDB.Close()
		return nil, errors.Wrap(rescueErr, "liveupload: rescue primary from backup")
	}
	primaryDB, err := buntdb.Open(primaryPath)
	if err != nil {
		backupDB.Close()
		return nil, errors.Wrap(err, "liveupload: reopen rescued primary")
	}
	nlog.Warningf("liveupload: rescued primary state for %s from backup", table)
	return &HighWaterMark{primary: primaryDB, backup: backupDB, primaryPath: primaryPath, backupPath: backupPath}, nil
}

func rescuePrimary(primaryPath string, backup *buntdb.DB) error {
	os.Remove(primaryPath)
	fresh, err := buntdb.Open(primaryPath)
	if err != nil {
		return err
	}
	defer fresh.Close()

	return backup.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			_ = fresh.Update(func(wtx *buntdb.Tx) error {
				_, _, err := wtx.Set(key, value, nil)
				return err
			})
			return true
		})
	})
}

// Get returns the last-seen timestamp for site and whether it is known.
func (h *HighWaterMark) Get(site string) (time.Time, bool) {
	var value string
	err := h.primary.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(site)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Set advances the high-water-mark for site, writing to both the
// primary and backup files so a corrupt primary can be rescued later.
func (h *HighWaterMark) Set(site string, t time.Time) error {
	value := t.UTC().Format(time.RFC3339Nano)
	for _, db := range []*buntdb.DB{h.primary, h.backup} {
		if err := db.Update(func(tx *buntdb.Tx) error {
			_, _, err := tx.Set(site, value, nil)
			return err
		}); err != nil {
			return errors.Wrap(err, "liveupload: persist high-water-mark")
		}
	}
	return nil
}

// Close releases both underlying database handles.
func (h *HighWaterMark) Close() error {
	err1 := h.primary.Close()
	err2 := h.backup.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
