package service

import (
	"time"

	"climalog/internal/modules/climate/types"
)

// State is the pipeline stage a device is in.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateDecoding   State = "decoding"
	StateValidating State = "validating"
	StateWriting    State = "writing"
	// StateFaulted means the last request exhausted a bounded retry policy.
	StateFaulted State = "faulted"
)

type Status struct {
	Source      types.Source `json:"source"`
	Addr        string       `json:"addr"`
	State       State        `json:"state"`
	LastAttempt time.Time    `json:"lastAttempt,omitzero"`
	LastSuccess time.Time    `json:"lastSuccess,omitzero"`
	LastError   string       `json:"lastError,omitempty"`
	LastWritten int          `json:"lastWritten"`
}

// Result is the outcome of one device pipeline.
type Result struct {
	Source    types.Source  `json:"source"`
	State     State         `json:"state"`
	Written   int           `json:"written"`
	Discarded int           `json:"discarded"`
	Duration  time.Duration `json:"durationNs"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
}

func (r Result) OK() bool {
	return r.Err == nil
}
