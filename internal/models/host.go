package models

import "time"

// Host is a worker node. The row is owned and updated by the worker
// itself; the scheduler only reads it and annotates transient copies.
type Host struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	UpdateTS *time.Time `json:"update_ts"`
	TaskLoad float64    `json:"task_load"`
	Ready    bool       `json:"ready"`
	Arches   string     `json:"arches"` // space-separated
	Capacity float64    `json:"capacity"`
	Enabled  bool       `json:"enabled"`
	Channels []int64    `json:"channels"`

	// Data is the free-form per-host scheduler data blob, if any.
	Data map[string]any `json:"data,omitempty"`
}

// HostData is a row of the free-form per-host scheduler data table.
type HostData struct {
	HostID int64          `json:"host_id"`
	Data   map[string]any `json:"data"`
}

// LogMessage is an operator-facing scheduler log row.
type LogMessage struct {
	ID     int64     `json:"id"`
	TaskID *int64    `json:"task_id"`
	HostID *int64    `json:"host_id"`
	Msg    string    `json:"msg"`
	Time   time.Time `json:"msg_time"`
}
