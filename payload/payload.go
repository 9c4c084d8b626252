// Package payload reshapes rows from a source.DataSource into the
// envelope a Publisher transmits. The adapter is pure: no I/O, no
// retry, no knowledge of topics or connections.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package payload

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/nerc-ceh/iotswarm/source"
)

// json is the envelope's serializer: jsoniter's compatible config is a
// drop-in replacement for encoding/json (same MarshalJSON detection,
// same output), used here instead of the stdlib package throughout the
// wire-format path.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Adapter transforms one or more rows into a wire-ready envelope.
type Adapter interface {
	Format(rows ...source.Row) (Envelope, error)
}

// Envelope is the serializable result of Adapter.Format. Passthrough
// produces an Envelope with only Raw set; CR1000X populates Head/Data.
type Envelope struct {
	Head *Head      `json:"head,omitempty"`
	Data []DataItem `json:"data,omitempty"`
	Raw  any        `json:"-"`
}

// MarshalJSON serializes Raw directly when present (the Passthrough
// case), or the head/data envelope otherwise, so a Publisher can
// serialize either variant identically.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Raw != nil {
		return json.Marshal(e.Raw)
	}
	return json.Marshal(struct {
		Head *Head      `json:"head,omitempty"`
		Data []DataItem `json:"data,omitempty"`
	}{e.Head, e.Data})
}

// Head is the CR1000X envelope header.
type Head struct {
	Transaction int         `json:"transaction"`
	Signature   int         `json:"signature"`
	Environment Environment `json:"environment"`
	Fields      []Field     `json:"fields"`
}

// Environment describes the originating datalogger.
type Environment struct {
	StationName string `json:"station_name"`
	TableName   string `json:"table_name"`
	Model       string `json:"model"`
	SerialNo    string `json:"serial_no"`
	OSVersion   string `json:"os_version"`
	ProgName    string `json:"prog_name"`
}

// Field describes one sensor column.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Units    string `json:"units"`
	Process  string `json:"process"`
	Settable bool   `json:"settable"`
}

// DataItem is one row's worth of timestamped values.
type DataItem struct {
	Time string `json:"time"`
	Vals []any  `json:"vals"`
}

// Passthrough returns the row(s) unmodified, wrapped as Raw. It
// mirrors BaseDevice._format_payload in the Python source, which is
// the identity function.
type Passthrough struct{}

var _ Adapter = Passthrough{}

func (Passthrough) Format(rows ...source.Row) (Envelope, error) {
	if len(rows) == 1 {
		return Envelope{Raw: rowToMap(rows[0])}, nil
	}
	maps := make([]map[string]any, len(rows))
	for i, r := range rows {
		maps[i] = rowToMap(r)
	}
	return Envelope{Raw: maps}, nil
}

func rowToMap(r source.Row) map[string]any {
	m := make(map[string]any, r.Len())
	for _, c := range r.Columns {
		m[c.Name] = c.Value
	}
	return m
}
