// Package codec serializes task snapshots for storage and transport.
package codec

import (
	"github.com/vinayprograms/fragkit/tasks"
)

// Codec converts task records to and from bytes.
type Codec interface {
	// EncodeTask serializes a task record.
	EncodeTask(rec *tasks.TaskRecord) ([]byte, error)

	// DecodeTask deserializes a task record.
	DecodeTask(data []byte) (*tasks.TaskRecord, error)

	// Name returns the codec identifier used in configuration.
	Name() string
}

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. Defaults to JSON.
func Get(name string) Codec {
	switch name {
	case NameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// Known reports whether name selects a codec other than the default.
func Known(name string) bool {
	switch name {
	case "", NameJSON, NameMsgpack:
		return true
	default:
		return false
	}
}

// Encode snapshots t in full and encodes it with c.
func Encode(c Codec, t *tasks.Task) ([]byte, error) {
	rec := t.Snapshot(true)
	return c.EncodeTask(&rec)
}

// Decode decodes data with c and rebuilds the task.
func Decode(c Codec, data []byte, opts ...tasks.TaskOption) (*tasks.Task, error) {
	rec, err := c.DecodeTask(data)
	if err != nil {
		return nil, err
	}
	return tasks.TaskFromRecord(*rec, opts...), nil
}
