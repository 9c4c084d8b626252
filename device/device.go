// Package device implements the per-device cycle loop: fetch a row,
// optionally skip, adapt it, publish it, and (on success) advance the
// device's cycle and trigger a swarm snapshot.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package device

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nerc-ceh/iotswarm/internal/nlog"
	"github.com/nerc-ceh/iotswarm/metrics"
	"github.com/nerc-ceh/iotswarm/payload"
	"github.com/nerc-ceh/iotswarm/publish"
	"github.com/nerc-ceh/iotswarm/source"
)

// json is the wire serializer for the device's outgoing envelope,
// kept consistent with the payload package's jsoniter-backed encoding.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds a Device's construction-time parameters. It is
// immutable after New; the cycle counter lives on the Device, not here.
type Config struct {
	DeviceID          string
	SleepSeconds      uint
	MaxCycles         uint
	DelayStart        bool
	NoSendProbability int
	Table             source.Table

	MQTTPrefix string
	MQTTTopic  string
	MQTTSuffix string
}

func (c Config) validate(ds source.DataSource) error {
	if c.DeviceID == "" {
		return errors.New("device: deviceID must not be empty")
	}
	if c.NoSendProbability < 0 || c.NoSendProbability > 100 {
		return errors.Errorf("device: noSendProbability must be 0-100, got %d", c.NoSendProbability)
	}
	if requiresTable(ds) {
		if c.Table == "" {
			return errors.New("device: table must be provided for this data source")
		}
		if !c.Table.Valid() {
			return errors.Errorf("device: invalid table %q", c.Table)
		}
	}
	return nil
}

// requiresTable reports whether ds needs a Table argument to be
// meaningful, i.e. it is backed by an embedded SQL database with one
// table per Table enum value.
func requiresTable(ds source.DataSource) bool {
	_, ok := ds.(*source.LoopingSQL)
	return ok
}

// isLooping reports whether ds is one of the three sources that
// support resumable replay (Mock, LoopingCSV, LoopingSQL), matching
// spec.md's "snapshot only for looping sources" rule.
func isLooping(ds source.DataSource) bool {
	switch ds.(type) {
	case source.Mock, *source.LoopingCSV, *source.LoopingSQL:
		return true
	default:
		return false
	}
}

// Snapshotter is the capability a Swarm exposes back to its Devices so
// a successful publish can trigger a snapshot write, and so a Device
// can attribute its log records to the swarm that owns it.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
	Name() string
}

// Device owns an identity, a DataSource, a Publisher, an Adapter and
// per-instance run parameters, and executes the cycle loop. A Device
// must not be shared between goroutines: its cycle counter is mutated
// only by its own Run call.
type Device struct {
	cfg     Config
	source  source.DataSource
	pub     publish.Publisher
	adapter payload.Adapter
	swarm   Snapshotter

	cycle uint64
}

// New validates cfg against ds and constructs a Device. Construction
// errors (invalid enum, negative counter, missing required table) are
// Configuration errors per spec.md's error taxonomy: fatal, returned
// rather than absorbed.
func New(cfg Config, ds source.DataSource, pub publish.Publisher, adapter payload.Adapter) (*Device, error) {
	if err := cfg.validate(ds); err != nil {
		return nil, err
	}
	if cfg.MQTTTopic == "" {
		cfg.MQTTTopic = cfg.DeviceID
	}
	return &Device{cfg: cfg, source: ds, pub: pub, adapter: adapter}, nil
}

// AttachSwarm wires a back-reference used to trigger a snapshot after
// every successful, looping-source publish.
func (d *Device) AttachSwarm(s Snapshotter) { d.swarm = s }

// logger returns a child logger carrying the swarm/device/cycle
// attributes every device log record must report per spec.md §4.4. The
// swarm attribute is blank when Run is invoked without AttachSwarm
// (e.g. a package-level test driving a Device standalone).
func (d *Device) logger() *slog.Logger {
	return nlog.With("swarm", d.swarmName(), "device", d.cfg.DeviceID, "cycle", d.cycle)
}

func (d *Device) swarmName() string {
	if d.swarm == nil {
		return ""
	}
	return d.swarm.Name()
}

// Cycle returns the device's current cycle count.
func (d *Device) Cycle() uint64 { return d.cycle }

// DeviceID returns the device's stable identity.
func (d *Device) DeviceID() string { return d.cfg.DeviceID }

// Config returns a copy of the device's construction-time parameters,
// used by a Swarm to build a resumable snapshot.
func (d *Device) Config() Config { return d.cfg }

// SetCycle overwrites the device's cycle counter, used by a Swarm when
// restoring a device from a snapshot. Must not be called concurrently
// with Run.
func (d *Device) SetCycle(c uint64) { d.cycle = c }

// Topic builds "[prefix/]deviceID[/suffix]" for the MQTT publisher.
func (d *Device) Topic() string {
	topic := d.cfg.MQTTTopic
	if d.cfg.MQTTPrefix != "" {
		topic = d.cfg.MQTTPrefix + "/" + topic
	}
	if d.cfg.MQTTSuffix != "" {
		topic = topic + "/" + d.cfg.MQTTSuffix
	}
	return topic
}

// Run executes the cycle loop until maxCycles is reached, ctx is
// cancelled, or a programming error occurs. Transient source and
// publish failures are absorbed: logged, and the device sleeps and
// continues rather than propagating them.
func (d *Device) Run(ctx context.Context) error {
	if d.cfg.DelayStart {
		if err := d.sleep(ctx, randDuration(d.cfg.SleepSeconds)); err != nil {
			return err
		}
	}

	for {
		if d.cfg.MaxCycles > 0 && d.cycle >= uint64(d.cfg.MaxCycles) {
			return nil
		}

		log := d.logger()

		row, err := d.source.LatestForSite(ctx, source.SiteID(d.cfg.DeviceID), d.cfg.Table, d.cycle)
		if err != nil {
			if !errors.Is(err, source.ErrNoData) {
				log.Warn("fetch failed, treating as no data", "error", err)
			}
			log.Info("no data found")
			if err := d.sleep(ctx, fixedDuration(d.cfg.SleepSeconds)); err != nil {
				return err
			}
			continue
		}

		if d.shouldSkip() {
			log.Debug("skipped send based on probability", "noSendProbability", d.cfg.NoSendProbability)
			metrics.SkipsTotal.WithLabelValues(d.cfg.DeviceID).Inc()
			if err := d.sleep(ctx, fixedDuration(d.cfg.SleepSeconds)); err != nil {
				return err
			}
			continue
		}

		envelope, err := d.formatRow(row)
		if err != nil {
			return errors.Wrap(err, "device: format payload")
		}

		body, err := marshalEnvelope(envelope)
		if err != nil {
			return errors.Wrap(err, "device: marshal payload")
		}

		sent, err := d.pub.Send(ctx, body, d.Topic())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warn("publish error absorbed", "error", err)
			sent = false
		}

		if sent {
			d.cycle++
			metrics.CyclesTotal.WithLabelValues(d.cfg.DeviceID).Inc()
			d.logger().Info("message sent", "topic", d.Topic())

			if d.swarm != nil && isLooping(d.source) {
				if err := d.swarm.Snapshot(ctx); err != nil {
					log.Warn("snapshot failed", "error", err)
				}
			}
		} else {
			metrics.PublishFailuresTotal.WithLabelValues(d.cfg.DeviceID).Inc()
		}

		if err := d.sleep(ctx, fixedDuration(d.cfg.SleepSeconds)); err != nil {
			return err
		}
	}
}

// formatRow calls the adapter and converts any panic into a returned
// error. spec.md treats a contract violation (e.g. a multi-row batch
// with mismatched column sets) as a Programming error that must
// surface to the Swarm rather than crash the process; Adapter.Format
// implementations (CR1000X) signal that case with a panic, and this is
// the boundary where it is turned back into a normal error return.
func (d *Device) formatRow(row source.Row) (env payload.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("device: programming error: %v", r)
		}
	}()
	return d.adapter.Format(row)
}

func (d *Device) shouldSkip() bool {
	if d.cfg.NoSendProbability <= 0 {
		return false
	}
	return rand.Float64()*100 < float64(d.cfg.NoSendProbability)
}

func (d *Device) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randDuration(seconds uint) time.Duration {
	if seconds == 0 {
		return 0
	}
	return time.Duration(rand.Intn(int(seconds)+1)) * time.Second
}

func fixedDuration(seconds uint) time.Duration {
	return time.Duration(seconds) * time.Second
}

func marshalEnvelope(e payload.Envelope) ([]byte, error) {
	return json.Marshal(e)
}
