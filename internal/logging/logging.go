// Package logging writes one JSON object per engine event through the
// standard logger, so the lines interleave with chi's request log.
package logging

import (
	"encoding/json"
	"log"
	"time"
)

type Fields struct {
	Service    string `json:"service"`
	PendingID  string `json:"pending_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	ChargeID   string `json:"charge_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Logger carries the service name so call sites only fill what changes.
type Logger struct {
	Service string
	out     *log.Logger
}

func New(service string) *Logger {
	return &Logger{Service: service}
}

// WithOutput redirects lines, mainly for tests.
func (l *Logger) WithOutput(out *log.Logger) *Logger {
	cp := *l
	cp.out = out
	return &cp
}

func (l *Logger) Log(f Fields) {
	if l == nil {
		return
	}
	if f.Service == "" {
		f.Service = l.Service
	}
	line := encode(f)
	if l.out != nil {
		l.out.Print(line)
		return
	}
	log.Print(line)
}

// Err logs a failed step; err may be nil.
func (l *Logger) Err(f Fields, err error) {
	if err != nil {
		f.Error = err.Error()
	}
	if f.Status == "" {
		f.Status = "error"
	}
	l.Log(f)
}

// Since fills DurationMS from start.
func Since(f Fields, start time.Time) Fields {
	f.DurationMS = time.Since(start).Milliseconds()
	return f
}

func encode(f Fields) string {
	payload := struct {
		Fields
		Timestamp string `json:"timestamp"`
	}{f, time.Now().UTC().Format(time.RFC3339Nano)}
	data, err := json.Marshal(payload)
	if err != nil {
		b, _ := json.Marshal(map[string]string{"service": f.Service, "status": "log_error", "error": err.Error()})
		return string(b)
	}
	return string(data)
}
