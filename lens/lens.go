/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lens provides the per-execution frame buffer. A job handler
// captures titled frames (errors, info, warnings, metrics) while it runs;
// the serialized buffer becomes the persisted result of the run when the
// handler itself returns nothing.
package lens

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Frame levels.
const (
	LevelError  = "error"
	LevelWarn   = "warn"
	LevelInfo   = "info"
	LevelDebug  = "debug"
	LevelMetric = "metric"
)

// Frame is a single captured event. Title is the only required field.
type Frame struct {
	Title       string
	Message     string
	Level       string
	MetricName  string
	MetricValue *float64
	MetricUnit  string
	Timestamp   string
	// Extra holds arbitrary additional keys that serialize inline with
	// the named fields.
	Extra map[string]any
}

// MarshalJSON flattens Extra into the frame object.
func (f Frame) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f.Extra)+7)
	for k, v := range f.Extra {
		m[k] = v
	}
	m["title"] = f.Title
	if f.Message != "" {
		m["message"] = f.Message
	}
	if f.Level != "" {
		m["level"] = f.Level
	}
	if f.MetricName != "" {
		m["metricName"] = f.MetricName
	}
	if f.MetricValue != nil {
		m["metricValue"] = *f.MetricValue
	}
	if f.MetricUnit != "" {
		m["metricUnit"] = f.MetricUnit
	}
	if f.Timestamp != "" {
		m["timestamp"] = f.Timestamp
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores the named fields and collects everything else
// into Extra.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["title"].(string); ok {
		f.Title = v
	}
	if v, ok := m["message"].(string); ok {
		f.Message = v
	}
	if v, ok := m["level"].(string); ok {
		f.Level = v
	}
	if v, ok := m["metricName"].(string); ok {
		f.MetricName = v
	}
	if v, ok := m["metricValue"].(float64); ok {
		f.MetricValue = &v
	}
	if v, ok := m["metricUnit"].(string); ok {
		f.MetricUnit = v
	}
	if v, ok := m["timestamp"].(string); ok {
		f.Timestamp = v
	}
	for _, k := range []string{"title", "message", "level", "metricName", "metricValue", "metricUnit", "timestamp"} {
		delete(m, k)
	}
	if len(m) > 0 {
		f.Extra = m
	}
	return nil
}

// Lens is a growable ordered frame buffer. Safe for concurrent capture.
type Lens struct {
	mu     sync.Mutex
	frames []Frame
}

// New returns an empty Lens.
func New() *Lens {
	return &Lens{}
}

// Capture appends a frame. A frame with an empty title is rejected; this
// is the only failure mode.
func (l *Lens) Capture(f Frame) error {
	if f.Title == "" {
		return fmt.Errorf("frame title is required")
	}
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

// CaptureError records an error frame. err may be an error value or a
// plain string; error values additionally record the stack at the capture
// site and the dynamic error type.
func (l *Lens) CaptureError(err any, title string) error {
	f := Frame{Title: title, Level: LevelError}
	switch v := err.(type) {
	case error:
		f.Message = v.Error()
		f.Extra = map[string]any{
			"errorType": fmt.Sprintf("%T", v),
			"stack":     string(debug.Stack()),
		}
	case string:
		f.Message = v
	default:
		f.Message = fmt.Sprint(v)
	}
	return l.Capture(f)
}

// CaptureInfo records an info frame.
func (l *Lens) CaptureInfo(message, title string) error {
	return l.Capture(Frame{Title: title, Message: message, Level: LevelInfo})
}

// CaptureWarn records a warning frame.
func (l *Lens) CaptureWarn(message, title string) error {
	return l.Capture(Frame{Title: title, Message: message, Level: LevelWarn})
}

// CaptureDebug records a debug frame.
func (l *Lens) CaptureDebug(message, title string) error {
	return l.Capture(Frame{Title: title, Message: message, Level: LevelDebug})
}

// CaptureMetric records a metric frame titled "Metric: <name>". unit may
// be empty.
func (l *Lens) CaptureMetric(name string, value float64, unit string) error {
	return l.Capture(Frame{
		Title:       "Metric: " + name,
		Level:       LevelMetric,
		MetricName:  name,
		MetricValue: &value,
		MetricUnit:  unit,
	})
}

// Frames serializes the buffer to a single JSON array.
func (l *Lens) Frames() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return "[]"
	}
	b, err := json.Marshal(l.frames)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// FrameArray returns a defensive copy of the buffer.
func (l *Lens) FrameArray() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.frames))
	for i, f := range l.frames {
		if f.Extra != nil {
			extra := make(map[string]any, len(f.Extra))
			for k, v := range f.Extra {
				extra[k] = v
			}
			f.Extra = extra
		}
		if f.MetricValue != nil {
			v := *f.MetricValue
			f.MetricValue = &v
		}
		out[i] = f
	}
	return out
}

// Clear discards all captured frames.
func (l *Lens) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = nil
}

// IsEmpty reports whether nothing has been captured.
func (l *Lens) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames) == 0
}

// FrameCount returns the number of captured frames.
func (l *Lens) FrameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}
