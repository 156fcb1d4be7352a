package protocol

import (
	"errors"
	"testing"

	"github.com/courier-ai/courier/pkg/models"
)

func TestStreamAccumulatorText(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(Chunk{Kind: ChunkText, Text: "Hello "})
	acc.Add(Chunk{Kind: ChunkText, Text: "world"})

	if got := acc.Wire(); got != "Hello world" {
		t.Fatalf("Wire() = %q", got)
	}
}

func TestStreamAccumulatorInterleavedCalls(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(Chunk{Kind: ChunkToolStart, CallID: "a", Name: "read_file"})
	acc.Add(Chunk{Kind: ChunkToolStart, CallID: "b", Name: "exec"})
	acc.Add(Chunk{Kind: ChunkToolDelta, CallID: "b", ArgsDelta: `{"comma`})
	acc.Add(Chunk{Kind: ChunkToolDelta, CallID: "a", ArgsDelta: `{"path":`})
	acc.Add(Chunk{Kind: ChunkToolDelta, CallID: "b", ArgsDelta: `nd":"ls"}`})
	acc.Add(Chunk{Kind: ChunkToolDelta, CallID: "a", ArgsDelta: `"x.go"}`})

	events, err := Decode(acc.Wire())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Call.Name != "read_file" || string(events[0].Call.Args) != `{"path":"x.go"}` {
		t.Errorf("first call = %+v args %s", events[0].Call, events[0].Call.Args)
	}
	if events[1].Call.Name != "exec" || string(events[1].Call.Args) != `{"command":"ls"}` {
		t.Errorf("second call = %+v args %s", events[1].Call, events[1].Call.Args)
	}
}

// Truncated argument JSON must travel to the decoder verbatim so the
// enforcer sees the failure and gets its repair round-trip.
func TestStreamAccumulatorInvalidArgs(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(Chunk{Kind: ChunkToolStart, CallID: "a", Name: "exec"})
	acc.Add(Chunk{Kind: ChunkToolDelta, CallID: "a", ArgsDelta: `{"command": "ls`})

	if _, err := Decode(acc.Wire()); !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestStreamAccumulatorArglessCall(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(Chunk{Kind: ChunkToolStart, CallID: "a", Name: "list_processes"})

	events, err := Decode(acc.Wire())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 || string(events[0].Call.Args) != "{}" {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamAccumulatorMacroInText(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(Chunk{Kind: ChunkText, Text: "!exec "})
	acc.Add(Chunk{Kind: ChunkText, Text: "echo split-across-chunks"})

	events, err := Decode(acc.Wire())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 || events[0].Kind != models.EventToolCall {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamAccumulatorEmpty(t *testing.T) {
	if got := NewStreamAccumulator().Wire(); got != "" {
		t.Fatalf("Wire() = %q, want empty", got)
	}
}
