// Package liveupload replicates new rows from a remote telemetry
// database to an object store, one row at a time, without replaying
// rows a prior run already sent. It is the Go counterpart of the
// source project's LiveUploader, which tracked progress but never
// finished the object-store write.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package liveupload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nerc-ceh/iotswarm/internal/nlog"
	"github.com/nerc-ceh/iotswarm/internal/retry"
	"github.com/nerc-ceh/iotswarm/metrics"
	"github.com/nerc-ceh/iotswarm/payload"
	"github.com/nerc-ceh/iotswarm/source"
)

// defaultFallback bounds how far back the first ever run for a site
// looks, so a brand new high-water-mark can't trigger a full-table
// replay. Matches the source project's hardcoded 3-hour _fallback_time.
const defaultFallback = 3 * time.Hour

// Config parameterizes a Run over one table across a fixed set of
// sites, writing to one bucket under a shared key prefix.
type Config struct {
	Table    source.Table
	Sites    []string
	Bucket   string
	Prefix   string
	Fallback time.Duration // zero defaults to defaultFallback
	StateDir string
}

func (c Config) validate() error {
	if len(c.Sites) == 0 {
		return errors.New("liveupload: at least one site is required")
	}
	if !c.Table.Valid() {
		return errors.Errorf("liveupload: invalid table %q", c.Table)
	}
	if c.Bucket == "" {
		return errors.New("liveupload: bucket must not be empty")
	}
	if c.StateDir == "" {
		return errors.New("liveupload: stateDir must not be empty")
	}
	return nil
}

// Uploader replicates rows newer than each site's high-water-mark to
// an object store, advancing the mark only after a successful write.
type Uploader struct {
	cfg    Config
	remote RemoteSource
	writer ObjectWriter
	hwm    *HighWaterMark
}

// New opens the high-water-mark state for cfg.Table under
// cfg.StateDir and constructs an Uploader over remote and writer.
func New(cfg Config, remote RemoteSource, writer ObjectWriter) (*Uploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Fallback <= 0 {
		cfg.Fallback = defaultFallback
	}

	hwm, err := Open(cfg.StateDir, string(cfg.Table))
	if err != nil {
		return nil, err
	}

	return &Uploader{cfg: cfg, remote: remote, writer: writer, hwm: hwm}, nil
}

// Close releases the underlying state files.
func (u *Uploader) Close() error { return u.hwm.Close() }

// Run performs one replication pass: for every configured site, fetch
// rows newer than its watermark, upload each in turn, and advance the
// watermark after every successful upload. A site's fetch or upload
// failure is logged and skipped rather than aborting the other sites,
// matching the "independent per-device" failure isolation used by the
// rest of the engine.
func (u *Uploader) Run(ctx context.Context) error {
	for _, site := range u.cfg.Sites {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.runSite(ctx, site); err != nil {
			nlog.Warningf("liveupload: site %s: %v", site, err)
		}
	}
	return nil
}

func (u *Uploader) runSite(ctx context.Context, site string) error {
	since := u.searchTime(site)

	var rows []source.Row
	err := retry.Do(ctx, func() error {
		r, err := u.remote.RowsSince(ctx, source.SiteID(site), u.cfg.Table, since)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "fetch rows")
	}

	if len(rows) == 0 {
		nlog.Debugf("liveupload: site %s: no new rows", site)
		return nil
	}
	nlog.Infof("liveupload: site %s: got %d new row(s)", site, len(rows))

	adapter := payload.CR1000X{DeviceID: site, TableName: string(u.cfg.Table)}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		envelope, err := adapter.Format(row)
		if err != nil {
			return errors.Wrap(err, "format row")
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			return errors.Wrap(err, "marshal row")
		}

		rowTime, ok := row.Get("DATE_TIME")
		if !ok {
			return errors.New("row missing DATE_TIME")
		}
		ts, err := parseRowTime(rowTime)
		if err != nil {
			return errors.Wrap(err, "parse row time")
		}

		key := objectKey(u.cfg.Prefix, site, string(u.cfg.Table), ts, body)

		if err := retry.Do(ctx, func() error {
			return u.writer.Write(ctx, u.cfg.Bucket, key, body)
		}); err != nil {
			return errors.Wrapf(err, "upload row at %s", ts)
		}

		if err := u.hwm.Set(site, ts); err != nil {
			return errors.Wrap(err, "advance watermark")
		}
		metrics.LiveUploadRowsTotal.WithLabelValues(site).Inc()
	}
	return nil
}

// searchTime returns the stored high-water-mark for site, or
// now-minus-Fallback if the site has never been seen before.
func (u *Uploader) searchTime(site string) time.Time {
	if t, ok := u.hwm.Get(site); ok {
		return t
	}
	nlog.Debugf("liveupload: site %s not in state, using fallback time", site)
	return time.Now().Add(-u.cfg.Fallback)
}

func parseRowTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
	}
	return time.Time{}, errors.Errorf("unrecognized DATE_TIME value %v", v)
}

// objectKey names an uploaded object "<prefix>/<site>/LIVE_<table>/
// <unixMillis>_<md5>.json", with any "LEVEL1_" prefix stripped from the
// table: the timestamp keeps objects time-ordered within a site's
// prefix, and the content hash keeps different bodies with the same
// timestamp apart. Identical bodies (e.g. a retried run) map to the
// same key, so a repeat upload overwrites rather than duplicates.
func objectKey(prefix, site, table string, ts time.Time, body []byte) string {
	sum := md5.Sum(body)
	name := fmt.Sprintf("%d_%s.json", ts.UTC().UnixMilli(), hex.EncodeToString(sum[:]))

	parts := []string{site, "LIVE_" + strings.TrimPrefix(table, "LEVEL1_"), name}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
