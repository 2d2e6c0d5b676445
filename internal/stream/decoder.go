// Package stream decodes the backend's text/event-stream bodies into typed events.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/rightify/internal/domain"
)

const (
	dataMarker   = "data: "
	doneSentinel = "[DONE]"
)

// Event is one decoded application event.
type Event struct {
	Kind      domain.ActionKind
	Type      string // raw tag as sent, meaningful for ActionUnknown
	Content   string
	Data      json.RawMessage
	Timestamp time.Time
}

// payload is the wire shape of a data line. Fields stay raw so any JSON
// object decodes; the backend is not strict about their types.
type payload struct {
	Type      json.RawMessage `json:"type"`
	Content   json.RawMessage `json:"content"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Stats counts how each line of the stream was handled.
type Stats struct {
	Events    int `json:"events"`
	Malformed int `json:"malformed"`
	KeepAlive int `json:"keep_alive"`
	Done      int `json:"done"`
	Unknown   int `json:"unknown"`
	Ignored   int `json:"ignored"`
}

// LineResult reports what ParseLine did with a line.
type LineResult int

const (
	LineEvent LineResult = iota
	LineIgnored
	LineKeepAlive
	LineDone
	LineMalformed
)

// Decoder reads data lines from an event-stream body.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r      *bufio.Reader
	now    func() time.Time
	logger *slog.Logger
	stats  Stats
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		r:      bufio.NewReader(r),
		now:    time.Now,
		logger: logger,
	}
}

// Next returns the next decoded event. Lines that carry no event are counted
// and skipped. It returns io.EOF once the body is exhausted.
func (d *Decoder) Next() (Event, error) {
	for {
		line, readErr := d.r.ReadString('\n')
		if line != "" {
			ev, res := ParseLine(line, d.now)
			d.count(res, ev)
			switch res {
			case LineEvent:
				return ev, nil
			case LineMalformed:
				d.logger.Debug("Dropping malformed stream line", "line", truncate(strings.TrimSpace(line), 200))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

// Stats returns the counters accumulated so far.
func (d *Decoder) Stats() Stats {
	return d.stats
}

func (d *Decoder) count(res LineResult, ev Event) {
	switch res {
	case LineEvent:
		d.stats.Events++
		if ev.Kind == domain.ActionUnknown {
			d.stats.Unknown++
		}
	case LineIgnored:
		d.stats.Ignored++
	case LineKeepAlive:
		d.stats.KeepAlive++
	case LineDone:
		d.stats.Done++
	case LineMalformed:
		d.stats.Malformed++
	}
}

// ParseLine decodes a single stream line. now supplies the timestamp when the
// payload does not carry one.
func ParseLine(line string, now func() time.Time) (Event, LineResult) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, dataMarker)
	if !ok {
		return Event{}, LineIgnored
	}
	rest = strings.TrimSpace(rest)
	switch rest {
	case "":
		return Event{}, LineKeepAlive
	case doneSentinel:
		return Event{}, LineDone
	}

	var p payload
	if err := json.Unmarshal([]byte(rest), &p); err != nil {
		return Event{}, LineMalformed
	}

	var tsText string
	if err := json.Unmarshal(p.Timestamp, &tsText); err != nil {
		tsText = ""
	}
	ts, ok := parseTimestamp(tsText)
	if !ok {
		ts = now()
	}
	typ := rawText(p.Type)
	return Event{
		Kind:      domain.ParseActionKind(typ),
		Type:      typ,
		Content:   rawText(p.Content),
		Data:      p.Data,
		Timestamp: ts,
	}, LineEvent
}

// timestampLayouts covers RFC 3339 and zone-less ISO 8601 as emitted by the backend.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// rawText returns a JSON string's value, or the compact JSON text of any
// other value. Absent and null are empty.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
