// Package phase classifies an assistant response into reasoning, tool and
// conclusion regions while it streams.
//
// The classifier is a pure function over the accumulated buffer. Every delta
// re-parses the whole buffer, which is cheap for a single conversational turn
// and makes the result independent of how the transport split the text.
package phase

import (
	"fmt"
	"strings"

	"github.com/esnunes/forkline/internal/models"
)

type Phase int

const (
	Idle Phase = iota
	Reasoning
	Tools
	Conclusion
	Done
	Error
)

var phaseNames = [...]string{"idle", "reasoning", "tools", "conclusion", "done", "error"}

func (p Phase) String() string {
	if p < Idle || p > Error {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

type region struct {
	phase       Phase
	open, close string
}

var regions = []region{
	{Reasoning, "<reasoning>", "</reasoning>"},
	{Tools, "<tools>", "</tools>"},
	{Conclusion, "<conclusion>", "</conclusion>"},
}

// Snapshot is the structured view of a buffer at one point in time.
type Snapshot struct {
	Reasoning  string   `json:"reasoning,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Conclusion string   `json:"conclusion,omitempty"`
	Normal     string   `json:"normal_content"`
	Phase      Phase    `json:"phase"`
	Tagged     bool     `json:"tagged"`
}

// StreamingState converts the snapshot into the live message representation.
func (s Snapshot) StreamingState() *models.StreamingState {
	return &models.StreamingState{
		Phase:      s.Phase.String(),
		Reasoning:  s.Reasoning,
		Tools:      s.Tools,
		Conclusion: s.Conclusion,
		Normal:     s.Normal,
	}
}

// State is the accumulation buffer of one in-flight response.
type State struct {
	Buffer string
	Phase  Phase
}

// Apply appends delta and returns the new state with its snapshot. The phase
// never moves backwards, and once failed or done it stays there.
func Apply(s State, delta string) (State, Snapshot) {
	s.Buffer += delta
	snap := parse(holdback(s.Buffer))
	switch s.Phase {
	case Error, Done:
		snap.Phase = s.Phase
	default:
		snap.Phase = max(s.Phase, snap.Phase)
	}
	s.Phase = snap.Phase
	return s, snap
}

// Fail moves s to the error phase.
func Fail(s State) State {
	s.Phase = Error
	return s
}

// Finalize parses the complete buffer once the stream has ended. Partial
// delimiters are no longer held back, and the phase becomes Done unless the
// stream failed. An untagged response is a valid Done result.
func Finalize(s State) Snapshot {
	snap := parse(s.Buffer)
	if s.Phase == Error {
		snap.Phase = Error
	} else {
		snap.Phase = Done
	}
	return snap
}

func parse(buf string) Snapshot {
	var snap Snapshot
	var normal, reasoning, tools, conclusion strings.Builder

	i := 0
	for i < len(buf) {
		at, reg := nextOpening(buf[i:])
		if at < 0 {
			normal.WriteString(buf[i:])
			break
		}
		normal.WriteString(buf[i : i+at])
		snap.Tagged = true
		snap.Phase = max(snap.Phase, reg.phase)

		start := i + at + len(reg.open)
		var body string
		if end := strings.Index(buf[start:], reg.close); end < 0 {
			body = buf[start:]
			i = len(buf)
		} else {
			body = buf[start : start+end]
			i = start + end + len(reg.close)
		}

		switch reg.phase {
		case Reasoning:
			appendSection(&reasoning, body)
		case Tools:
			appendSection(&tools, body)
		case Conclusion:
			appendSection(&conclusion, body)
		}
	}

	snap.Normal = strings.TrimSpace(normal.String())
	snap.Reasoning = strings.TrimSpace(reasoning.String())
	snap.Conclusion = strings.TrimSpace(conclusion.String())
	for _, line := range strings.Split(tools.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			snap.Tools = append(snap.Tools, line)
		}
	}
	return snap
}

func appendSection(b *strings.Builder, body string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(body)
}

func nextOpening(s string) (int, region) {
	best := -1
	var found region
	for _, r := range regions {
		if at := strings.Index(s, r.open); at >= 0 && (best < 0 || at < best) {
			best, found = at, r
		}
	}
	return best, found
}

var maxDelimiter = func() int {
	n := 0
	for _, r := range regions {
		n = max(n, len(r.open), len(r.close))
	}
	return n
}()

// holdback trims a trailing fragment that could still grow into a delimiter,
// so "<reas" is not shown as text while the next chunk is in flight.
func holdback(buf string) string {
	for k := min(len(buf), maxDelimiter-1); k > 0; k-- {
		tail := buf[len(buf)-k:]
		if tail[0] != '<' {
			continue
		}
		for _, r := range regions {
			if isProperPrefix(tail, r.open) || isProperPrefix(tail, r.close) {
				return buf[:len(buf)-k]
			}
		}
	}
	return buf
}

func isProperPrefix(s, of string) bool {
	return len(s) < len(of) && strings.HasPrefix(of, s)
}
