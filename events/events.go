// Package events emits line-oriented JSON progress records toward the
// host process (one record per line on a single writer).
//
// This is the engine's only machine-readable output contract. Diagnostic
// logging goes through slog and is kept separate.
package events

import (
	"encoding/json"
	"io"
	"sync"
)

// Type identifies an event record.
type Type string

const (
	TypeInit     Type = "init"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
	TypeWarning  Type = "warning"
)

// Record is a single event. Zero-valued fields are omitted from output
// so each event type carries only its relevant payload.
type Record struct {
	Type    Type   `json:"type"`
	File    string `json:"file,omitempty"`
	Lane    string `json:"lane,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Elapsed float64 `json:"time,omitempty"`
	Output  string `json:"output,omitempty"`

	// init fields
	Total   int `json:"total,omitempty"`
	Workers int `json:"workers,omitempty"`

	// complete fields
	Success   int            `json:"success,omitempty"`
	Fail      int            `json:"fail,omitempty"`
	Partial   int            `json:"partial,omitempty"`
	TotalTime float64        `json:"total_time,omitempty"`
	AvgTime   float64        `json:"avg_time,omitempty"`
	ByLane    map[string]int `json:"by_lane,omitempty"`

	// error fields
	Msg string `json:"msg,omitempty"`
}

// Emitter serializes Records as JSON lines on a writer.
// Safe for concurrent use: both lanes report through one Emitter.
type Emitter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// New creates an Emitter writing to w.
func New(w io.Writer) *Emitter {
	return &Emitter{w: w, enc: json.NewEncoder(w)}
}

// Emit writes one record as a single JSON line. Write errors are
// swallowed: a broken host pipe must not abort the conversion run.
func (e *Emitter) Emit(r Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(r)
}
