// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace defines the Chrome trace format written by sessions
// and read by stenciltrace.
package trace

import (
	"encoding/json"
	"io"
)

// T is a trace: a list of events.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Encode writes t to w as JSON.
func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

// Decode reads a JSON-encoded trace from r into t.
func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}

// Phases returns the complete ("X") events of t grouped by name,
// skipping metadata events.
func (t *T) Phases() map[string][]Event {
	phases := make(map[string][]Event)
	for _, event := range t.Events {
		if event.Ph != "X" {
			continue
		}
		phases[event.Name] = append(phases[event.Name], event)
	}
	return phases
}
