package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultEventName is the event type dispatched when no "event:" field is given.
const DefaultEventName = "message"

// Message is one dispatched server-sent event.
type Message struct {
	Event string
	Data  string
	ID    string
	Retry time.Duration
}

// EventReader implements the EventSource field grammar: event, data, id and
// retry fields, comment lines, and dispatch on a blank line.
type EventReader struct {
	r       *bufio.Reader
	lastID  string
	retry   time.Duration
	event   string
	data    strings.Builder
	hasData bool
}

// NewEventReader returns a reader over an event-stream body.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReader(r)}
}

// Next returns the next dispatched message, or io.EOF at end of body.
// A trailing event without its terminating blank line is discarded, as
// browsers do.
func (er *EventReader) Next() (Message, error) {
	for {
		line, err := er.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Message{}, fmt.Errorf("read event stream: %w", err)
		}
		eof := errors.Is(err, io.EOF)
		if eof && line == "" {
			return Message{}, io.EOF
		}
		if eof && !strings.HasSuffix(line, "\n") {
			// Unterminated last line: process the field but never dispatch.
			er.field(strings.TrimRight(line, "\r"))
			return Message{}, io.EOF
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if msg, ok := er.dispatch(); ok {
				return msg, nil
			}
			continue
		}
		er.field(line)
	}
}

func (er *EventReader) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch name {
	case "event":
		er.event = value
	case "data":
		if er.hasData {
			er.data.WriteByte('\n')
		}
		er.data.WriteString(value)
		er.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			er.lastID = value
		}
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			er.retry = time.Duration(ms) * time.Millisecond
		}
	}
}

func (er *EventReader) dispatch() (Message, bool) {
	defer func() {
		er.event = ""
		er.data.Reset()
		er.hasData = false
	}()
	if !er.hasData {
		return Message{}, false
	}
	name := er.event
	if name == "" {
		name = DefaultEventName
	}
	return Message{
		Event: name,
		Data:  er.data.String(),
		ID:    er.lastID,
		Retry: er.retry,
	}, true
}
