// Package sse decodes the line-oriented chat completion stream.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/apperr"
)

// Event is one decoded line of the stream.
type Event struct {
	Delta string
	Done  bool
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns raw reads into events. Reads may split lines anywhere; the
// unterminated tail of each read is kept until the next Feed or Flush.
type Decoder struct {
	logger  *zap.Logger
	pending []byte
	done    bool

	// Skipped counts malformed data lines that were dropped.
	Skipped int
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Feed consumes p and returns the events completed by it. After a [DONE]
// event further input is ignored.
func (d *Decoder) Feed(p []byte) []Event {
	if d.done {
		return nil
	}
	d.pending = append(d.pending, p...)

	var events []Event
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]
		if ev, ok := d.line(line); ok {
			events = append(events, ev)
			if ev.Done {
				d.pending = nil
				break
			}
		}
	}
	return events
}

// Flush decodes a final line that arrived without a trailing newline.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.pending) == 0 {
		return nil
	}
	line := string(d.pending)
	d.pending = nil
	if ev, ok := d.line(line); ok {
		return []Event{ev}
	}
	return nil
}

// Done reports whether the terminating [DONE] line was seen.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) line(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return Event{}, false
	}
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return Event{}, false
	}
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		d.done = true
		return Event{Done: true}, true
	}

	ev, err := decodeData(data)
	if err != nil {
		d.Skipped++
		d.logger.Warn("skipping malformed stream line", zap.Error(err), zap.Int("length", len(data)))
		return Event{}, false
	}
	return ev, ev.Delta != ""
}

func decodeData(data string) (Event, error) {
	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Event{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return Event{}, nil
	}
	return Event{Delta: *c.Choices[0].Delta.Content}, nil
}
