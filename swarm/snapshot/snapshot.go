// Package snapshot implements the durable binary encoding of a swarm's
// resumable state: its name and, for every device, its configuration
// and current cycle. Live collaborators — the Publisher, any open
// database connection — are never part of the encoding; they are
// reconstructed by the caller after Load.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package snapshot

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// schemaVersion guards against decoding a snapshot written by an
// incompatible future revision of this package.
const schemaVersion = 1

// DeviceState is the reconstructible portion of a device.Device: its
// configuration plus its current cycle. SourceKind/SourcePath let the
// caller rebuild the right DataSource variant (a mock has an empty
// SourcePath).
type DeviceState struct {
	DeviceID          string
	Cycle             uint64
	SleepSeconds      uint64
	MaxCycles         uint64
	DelayStart        bool
	NoSendProbability int64
	Table             string
	MQTTPrefix        string
	MQTTTopic         string
	MQTTSuffix        string
	SourceKind        string
	SourcePath        string
}

// Swarm is the full encoded graph: a name and an ordered device list.
type Swarm struct {
	Name    string
	Devices []DeviceState
}

// EncodeMsg writes s in the package's hand-rolled MessagePack schema.
// It is not generated by msgp's codegen tool; the schema is small and
// stable enough to maintain by hand, matching this package's minimal
// footprint.
func (s Swarm) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteInt(schemaVersion); err != nil {
		return err
	}
	if err := w.WriteString(s.Name); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(s.Devices))); err != nil {
		return err
	}
	for _, d := range s.Devices {
		if err := d.encodeMsg(w); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (d DeviceState) encodeMsg(w *msgp.Writer) error {
	fields := []func() error{
		func() error { return w.WriteString(d.DeviceID) },
		func() error { return w.WriteUint64(d.Cycle) },
		func() error { return w.WriteUint64(d.SleepSeconds) },
		func() error { return w.WriteUint64(d.MaxCycles) },
		func() error { return w.WriteBool(d.DelayStart) },
		func() error { return w.WriteInt64(d.NoSendProbability) },
		func() error { return w.WriteString(d.Table) },
		func() error { return w.WriteString(d.MQTTPrefix) },
		func() error { return w.WriteString(d.MQTTTopic) },
		func() error { return w.WriteString(d.MQTTSuffix) },
		func() error { return w.WriteString(d.SourceKind) },
		func() error { return w.WriteString(d.SourcePath) },
	}
	for _, f := range fields {
		if err := f(); err != nil {
			return errors.Wrap(err, "snapshot: encode device")
		}
	}
	return nil
}

// DecodeMsg populates s from r, overwriting any prior contents.
func (s *Swarm) DecodeMsg(r *msgp.Reader) error {
	version, err := r.ReadInt()
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return errors.Errorf("snapshot: unsupported schema version %d", version)
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	count, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}

	devices := make([]DeviceState, count)
	for i := range devices {
		if err := devices[i].decodeMsg(r); err != nil {
			return err
		}
	}

	s.Name = name
	s.Devices = devices
	return nil
}

func (d *DeviceState) decodeMsg(r *msgp.Reader) error {
	var err error
	if d.DeviceID, err = r.ReadString(); err != nil {
		return err
	}
	if d.Cycle, err = r.ReadUint64(); err != nil {
		return err
	}
	if d.SleepSeconds, err = r.ReadUint64(); err != nil {
		return err
	}
	if d.MaxCycles, err = r.ReadUint64(); err != nil {
		return err
	}
	if d.DelayStart, err = r.ReadBool(); err != nil {
		return err
	}
	if d.NoSendProbability, err = r.ReadInt64(); err != nil {
		return err
	}
	if d.Table, err = r.ReadString(); err != nil {
		return err
	}
	if d.MQTTPrefix, err = r.ReadString(); err != nil {
		return err
	}
	if d.MQTTTopic, err = r.ReadString(); err != nil {
		return err
	}
	if d.MQTTSuffix, err = r.ReadString(); err != nil {
		return err
	}
	if d.SourceKind, err = r.ReadString(); err != nil {
		return err
	}
	if d.SourcePath, err = r.ReadString(); err != nil {
		return err
	}
	return nil
}

// Marshal encodes s to MessagePack and lz4-compresses the result.
func Marshal(s Swarm) ([]byte, error) {
	var raw bytes.Buffer
	w := msgp.NewWriter(&raw)
	if err := s.EncodeMsg(w); err != nil {
		return nil, errors.Wrap(err, "snapshot: encode")
	}

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, errors.Wrap(err, "snapshot: compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "snapshot: finalize compression")
	}
	return compressed.Bytes(), nil
}

// Unmarshal reverses Marshal.
func Unmarshal(blob []byte) (Swarm, error) {
	zr := lz4.NewReader(bytes.NewReader(blob))
	raw, err := io.ReadAll(zr)
	if err != nil {
		return Swarm{}, errors.Wrap(err, "snapshot: decompress")
	}

	var s Swarm
	r := msgp.NewReader(bytes.NewReader(raw))
	if err := s.DecodeMsg(r); err != nil {
		return Swarm{}, errors.Wrap(err, "snapshot: decode")
	}
	return s, nil
}

// WriteFile atomically writes s to path: it encodes to a temp file in
// the same directory, then renames over any existing file so readers
// never observe a partial write.
func WriteFile(path string, s Swarm) error {
	blob, err := Marshal(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "snapshot: create directory")
	}

	tmp, err := os.CreateTemp(dir, ".snap-*")
	if err != nil {
		return errors.Wrap(err, "snapshot: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return errors.Wrap(err, "snapshot: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "snapshot: close temp file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "snapshot: replace via rename")
	}
	return nil
}

// ReadFile reverses WriteFile.
func ReadFile(path string) (Swarm, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Swarm{}, errors.Wrap(err, "snapshot: read file")
	}
	return Unmarshal(blob)
}
