// Package swarm owns an ordered collection of devices, launches them
// concurrently, waits for all of them to terminate, and snapshots
// itself to a platform-specific directory after every successful,
// looping-source publish.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package swarm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nerc-ceh/iotswarm/device"
	"github.com/nerc-ceh/iotswarm/internal/nlog"
	"github.com/nerc-ceh/iotswarm/internal/xdgpaths"
	"github.com/nerc-ceh/iotswarm/metrics"
	"github.com/nerc-ceh/iotswarm/swarm/snapshot"
)

const snapshotExt = ".snap"

// ErrCancelled wraps a context cancellation observed by Run, so
// callers can distinguish "the swarm was asked to stop" from any other
// termination error via errors.Is(err, swarm.ErrCancelled).
var ErrCancelled = errors.New("swarm: cancelled")

// Member pairs a Device with the metadata needed to reconstruct its
// DataSource after a snapshot load; the DataSource and Publisher
// themselves are never part of the snapshot.
type Member struct {
	Device     *device.Device
	SourceKind string // "mock", "csv", or "sql"
	SourcePath string // file path backing "csv"/"sql"; empty for "mock"
}

// Swarm runs a fixed set of devices concurrently and persists its
// resumable state after every successful device publish.
type Swarm struct {
	name    string
	baseDir string

	mu      sync.Mutex
	members []*Member
}

var _ device.Snapshotter = (*Swarm)(nil)

// New constructs a Swarm over members, attaching each device's
// back-reference so it can trigger Snapshot after a successful
// publish. An empty name generates a UUID-prefixed one. An empty
// baseDir defaults to the platform user-data directory.
func New(name string, baseDir string, members []*Member) (*Swarm, error) {
	if len(members) == 0 {
		return nil, errors.New("swarm: must have at least one member")
	}
	if name == "" {
		name = "unnamed-swarm-" + uuid.New().String()
	}
	if baseDir == "" {
		baseDir = xdgpaths.SwarmDataDir()
	}

	s := &Swarm{name: name, baseDir: baseDir, members: members}
	for _, m := range members {
		m.Device.AttachSwarm(s)
	}
	return s, nil
}

// Name returns the swarm's identifier within its snapshot directory.
func (s *Swarm) Name() string { return s.name }

// Len returns the number of member devices.
func (s *Swarm) Len() int { return len(s.members) }

// Run launches one goroutine per device and waits for all of them to
// finish, returning the first non-nil error (cancellation included).
func (s *Swarm) Run(ctx context.Context) error {
	log := nlog.With("swarm", s.name)
	log.Info("running swarm", "devices", len(s.members))

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range s.members {
		m := m
		g.Go(func() error {
			return s.runMember(ctx, m)
		})
	}

	err := g.Wait()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("swarm cancelled")
			return errors.Wrap(ErrCancelled, err.Error())
		}
		log.Error("swarm terminated with error", "error", err)
		return err
	}
	log.Info("swarm terminated")
	return nil
}

// runMember runs one member's device loop, converting any panic a
// Programming error (spec.md's contract-violation case) into a
// returned error so a single misbehaving device cannot bring down the
// rest of the swarm's errgroup via an uncaught goroutine panic.
func (s *Swarm) runMember(ctx context.Context, m *Member) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("swarm: device %s: panic: %v", m.Device.DeviceID(), r)
		}
	}()
	return m.Device.Run(ctx)
}

// Snapshot serializes the swarm's current state and atomically
// replaces its snapshot file. Writes are serialized on s.mu so two
// devices publishing concurrently cannot interleave partial writes.
func (s *Swarm) Snapshot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot.Swarm{Name: s.name, Devices: make([]snapshot.DeviceState, len(s.members))}
	for i, m := range s.members {
		cfg := m.Device.Config()
		snap.Devices[i] = snapshot.DeviceState{
			DeviceID:          cfg.DeviceID,
			Cycle:             m.Device.Cycle(),
			SleepSeconds:      uint64(cfg.SleepSeconds),
			MaxCycles:         uint64(cfg.MaxCycles),
			DelayStart:        cfg.DelayStart,
			NoSendProbability: int64(cfg.NoSendProbability),
			Table:             string(cfg.Table),
			MQTTPrefix:        cfg.MQTTPrefix,
			MQTTTopic:         cfg.MQTTTopic,
			MQTTSuffix:        cfg.MQTTSuffix,
			SourceKind:        m.SourceKind,
			SourcePath:        m.SourcePath,
		}
	}

	if err := snapshot.WriteFile(s.path(), snap); err != nil {
		return errors.Wrap(err, "swarm: write snapshot")
	}
	metrics.SnapshotWritesTotal.Inc()
	return nil
}

func (s *Swarm) path() string {
	return filepath.Join(s.baseDir, s.name+snapshotExt)
}

// List returns the names of all swarms with a snapshot under baseDir.
// An empty baseDir defaults to the platform user-data directory.
func List(baseDir string) ([]string, error) {
	if baseDir == "" {
		baseDir = xdgpaths.SwarmDataDir()
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "swarm: list snapshot directory")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), snapshotExt))
	}
	return names, nil
}

// Exists reports whether a snapshot named name exists under baseDir.
func Exists(baseDir, name string) bool {
	if baseDir == "" {
		baseDir = xdgpaths.SwarmDataDir()
	}
	_, err := os.Stat(filepath.Join(baseDir, name+snapshotExt))
	return err == nil
}

// Destroy removes a swarm's snapshot file, if any.
func Destroy(baseDir, name string) error {
	if baseDir == "" {
		baseDir = xdgpaths.SwarmDataDir()
	}
	err := os.Remove(filepath.Join(baseDir, name+snapshotExt))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "swarm: destroy snapshot")
	}
	return nil
}

// InitEmpty creates a placeholder snapshot for name, used to reserve a
// swarm identity before any device has published.
func InitEmpty(baseDir, name string) error {
	if baseDir == "" {
		baseDir = xdgpaths.SwarmDataDir()
	}
	path := filepath.Join(baseDir, name+snapshotExt)
	return snapshot.WriteFile(path, snapshot.Swarm{Name: name})
}

// Load reads a swarm's snapshot from baseDir. The caller is
// responsible for reconstructing each device's DataSource and
// Publisher from the returned DeviceState before calling Run again;
// cycle counts are preserved exactly as last written.
func Load(baseDir, name string) (snapshot.Swarm, error) {
	if baseDir == "" {
		baseDir = xdgpaths.SwarmDataDir()
	}
	path := filepath.Join(baseDir, name+snapshotExt)

	snap, err := snapshot.ReadFile(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return snapshot.Swarm{}, errors.Errorf("swarm: not found: %q", name)
		}
		return snapshot.Swarm{}, err
	}
	return snap, nil
}
