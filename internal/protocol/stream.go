package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChunkKind tags a streamed delta from a provider.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkToolStart ChunkKind = "tool_start"
	ChunkToolDelta ChunkKind = "tool_delta"
)

// Chunk is one streamed fragment of a model response.
type Chunk struct {
	Kind   ChunkKind
	Text   string
	CallID string
	// Name is set on tool_start chunks.
	Name string
	// ArgsDelta is a fragment of the JSON argument payload.
	ArgsDelta string
}

// StreamAccumulator merges streamed deltas back into macro wire text.
// Text deltas concatenate in arrival order; tool argument deltas buffer
// per call ID so interleaved calls reassemble independently.
type StreamAccumulator struct {
	text  strings.Builder
	calls map[string]*pendingCall
	order []string
}

type pendingCall struct {
	name string
	args strings.Builder
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[string]*pendingCall)}
}

// Add buffers one chunk.
func (a *StreamAccumulator) Add(c Chunk) {
	switch c.Kind {
	case ChunkText:
		a.text.WriteString(c.Text)
	case ChunkToolStart:
		id := c.CallID
		if id == "" {
			id = fmt.Sprintf("toolcall-%d", len(a.order)+1)
		}
		if _, ok := a.calls[id]; !ok {
			a.calls[id] = &pendingCall{name: c.Name}
			a.order = append(a.order, id)
		} else if c.Name != "" {
			a.calls[id].name = c.Name
		}
	case ChunkToolDelta:
		pc, ok := a.calls[c.CallID]
		if !ok {
			pc = &pendingCall{}
			a.calls[c.CallID] = pc
			a.order = append(a.order, c.CallID)
		}
		pc.args.WriteString(c.ArgsDelta)
	}
}

// Wire flushes the buffered stream back into macro wire text: the
// accumulated prose first, then one !tool line per structured call in
// arrival order. Nothing is decoded here. Buffered argument bytes go out
// verbatim, so a call whose JSON never completed surfaces as a decode
// failure where decoding actually happens, in the enforcer.
func (a *StreamAccumulator) Wire() string {
	var sb strings.Builder
	sb.WriteString(a.text.String())

	for _, id := range a.order {
		pc := a.calls[id]
		name, err := json.Marshal(pc.name)
		if err != nil {
			continue
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, `!tool {"name":%s,"args":%s}`, name, args)
	}
	return sb.String()
}
