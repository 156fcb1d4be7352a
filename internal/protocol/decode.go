// Package protocol implements the tool-call wire contract between the
// model and the runtime: decoding raw model output into runtime events,
// merging streamed deltas, enforcing the contract with a bounded repair
// cycle, and rendering the transport-safe view of a turn.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/courier-ai/courier/pkg/models"
)

// ErrDecode reports model output that carries protocol bytes but cannot be
// decoded into events.
var ErrDecode = errors.New("protocol decode failure")

// Dialect identifies which grammar variant a macro line uses.
type Dialect string

const (
	DialectProse Dialect = "prose"
	DialectExec  Dialect = "exec"
	DialectTool  Dialect = "tool"
	DialectLoop  Dialect = "loop"
)

// ToolExec is the registered name for shell execution requests produced by
// the !exec and !loop dialects.
const ToolExec = "exec"

// macroRe matches a protocol macro at the start of a line.
var macroRe = regexp.MustCompile(`(?is)(^|\n)[ \t]*!(exec|tool|loop)\b`)

// lineMacroRe classifies a single line.
var lineMacroRe = regexp.MustCompile(`(?i)^[ \t]*!(exec|tool|loop)\b[ \t]*(.*)$`)

// stepLineRe matches the legacy loop step syntax:
//
//	Step {cmd: <command>} | timeout=<seconds>
var stepLineRe = regexp.MustCompile(`(?i)^[ \t]*Step[ \t]*\{cmd:[ \t]*(.+?)\}[ \t]*(?:\|[ \t]*timeout=([0-9]+))?[ \t]*$`)

// HasProtocolBytes reports whether raw output carries protocol structure
// and therefore must decode cleanly. Plain prose returns false and is
// always accepted as a single AssistantText event.
func HasProtocolBytes(raw string) bool {
	if macroRe.MatchString(raw) {
		return true
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") &&
		(strings.Contains(trimmed, `"steps"`) || strings.Contains(trimmed, `"tool_calls"`)) {
		return true
	}
	return false
}

// SniffDialect returns the grammar variant of a single line.
func SniffDialect(line string) Dialect {
	m := lineMacroRe.FindStringSubmatch(line)
	if m == nil {
		return DialectProse
	}
	switch strings.ToLower(m[1]) {
	case "exec":
		return DialectExec
	case "tool":
		return DialectTool
	default:
		return DialectLoop
	}
}

// execArgs is the argument payload for exec tool calls.
type execArgs struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type toolMacro struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type loopStep struct {
	Kind       string          `json:"kind"`
	Command    string          `json:"command,omitempty"`
	Argv       []string        `json:"argv,omitempty"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	TimeoutSec int             `json:"timeout_sec,omitempty"`
}

type loopMacro struct {
	Steps       []loopStep `json:"steps"`
	FinalPrompt string     `json:"final_prompt,omitempty"`
}

// Decode turns raw model output into an ordered slice of runtime events.
// Decoding is total over prose: output with no protocol bytes becomes a
// single AssistantText event. Output that looks like protocol but fails to
// parse returns ErrDecode; the raw fragment is never passed through.
func Decode(raw string) ([]models.RuntimeEvent, error) {
	if !HasProtocolBytes(raw) {
		return []models.RuntimeEvent{models.NewAssistantText(raw)}, nil
	}

	var events []models.RuntimeEvent
	var prose []string
	ordinal := 0
	sawMacro := false

	flushProse := func() {
		text := strings.TrimSpace(strings.Join(prose, "\n"))
		prose = prose[:0]
		if text != "" {
			events = append(events, models.NewAssistantText(text))
		}
	}
	nextCallID := func() string {
		ordinal++
		return "toolcall-" + strconv.Itoa(ordinal)
	}

	lines := strings.Split(raw, "\n")
	for i := 0; i < len(lines); i++ {
		m := lineMacroRe.FindStringSubmatch(lines[i])
		if m == nil {
			prose = append(prose, lines[i])
			continue
		}
		flushProse()
		sawMacro = true

		rest := strings.TrimSpace(m[2])
		switch strings.ToLower(m[1]) {
		case "exec":
			if rest == "" {
				return nil, fmt.Errorf("%w: !exec with empty command", ErrDecode)
			}
			args, _ := json.Marshal(execArgs{Command: rest})
			events = append(events, models.NewToolCall(nextCallID(), ToolExec, args))

		case "tool":
			payload, consumed, err := balancedJSON(rest, lines[i+1:])
			if err != nil {
				return nil, fmt.Errorf("%w: !tool payload: %v", ErrDecode, err)
			}
			i += consumed
			var tm toolMacro
			if err := json.Unmarshal([]byte(payload), &tm); err != nil {
				return nil, fmt.Errorf("%w: !tool payload: %v", ErrDecode, err)
			}
			if tm.Name == "" {
				return nil, fmt.Errorf("%w: !tool payload missing name", ErrDecode)
			}
			events = append(events, models.NewToolCall(nextCallID(), tm.Name, tm.Args))

		case "loop":
			stepEvents, consumed, err := decodeLoop(rest, lines[i+1:], nextCallID)
			if err != nil {
				return nil, err
			}
			i += consumed
			events = append(events, stepEvents...)
		}
	}
	flushProse()

	if !sawMacro {
		// Protocol-shaped JSON with no recognized macro line: refuse rather
		// than leak the fragment as prose.
		return nil, fmt.Errorf("%w: unrecognized protocol shape", ErrDecode)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: protocol bytes decoded to no events", ErrDecode)
	}
	return events, nil
}

// decodeLoop handles both loop bodies: a JSON object with steps, and the
// legacy line syntax where each following line is "Step {cmd: ...}".
func decodeLoop(rest string, following []string, nextCallID func() string) ([]models.RuntimeEvent, int, error) {
	if strings.HasPrefix(rest, "{") || (rest == "" && len(following) > 0 && strings.HasPrefix(strings.TrimSpace(following[0]), "{")) {
		payload, consumed, err := balancedJSON(rest, following)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: !loop payload: %v", ErrDecode, err)
		}
		var lm loopMacro
		if err := json.Unmarshal([]byte(payload), &lm); err != nil {
			return nil, 0, fmt.Errorf("%w: !loop payload: %v", ErrDecode, err)
		}
		if len(lm.Steps) == 0 {
			return nil, 0, fmt.Errorf("%w: !loop with no steps", ErrDecode)
		}
		var events []models.RuntimeEvent
		for _, st := range lm.Steps {
			ev, err := loopStepEvent(st, nextCallID)
			if err != nil {
				return nil, 0, err
			}
			events = append(events, ev)
		}
		if lm.FinalPrompt != "" {
			events = append(events, models.NewAssistantText(lm.FinalPrompt))
		}
		return events, consumed, nil
	}

	// Legacy step-line body: consume consecutive "Step {cmd: ...}" lines.
	var events []models.RuntimeEvent
	consumed := 0
	for _, line := range following {
		sm := stepLineRe.FindStringSubmatch(line)
		if sm == nil {
			if strings.TrimSpace(line) == "" && len(events) == 0 {
				consumed++
				continue
			}
			break
		}
		consumed++
		args := execArgs{Command: strings.TrimSpace(sm[1])}
		if sm[2] != "" {
			n, err := strconv.Atoi(sm[2])
			if err != nil {
				return nil, 0, fmt.Errorf("%w: step timeout %q", ErrDecode, sm[2])
			}
			args.TimeoutSec = n
		}
		if args.Command == "" {
			return nil, 0, fmt.Errorf("%w: step with empty command", ErrDecode)
		}
		raw, _ := json.Marshal(args)
		events = append(events, models.NewToolCall(nextCallID(), ToolExec, raw))
	}
	if len(events) == 0 {
		return nil, 0, fmt.Errorf("%w: !loop with no steps", ErrDecode)
	}
	return events, consumed, nil
}

func loopStepEvent(st loopStep, nextCallID func() string) (models.RuntimeEvent, error) {
	switch strings.ToLower(st.Kind) {
	case "exec":
		a := execArgs{Command: st.Command, TimeoutSec: st.TimeoutSec}
		if a.Command == "" && len(st.Argv) > 0 {
			a.Command = strings.Join(st.Argv, " ")
		}
		if a.Command == "" {
			return models.RuntimeEvent{}, fmt.Errorf("%w: exec step with no command", ErrDecode)
		}
		raw, _ := json.Marshal(a)
		return models.NewToolCall(nextCallID(), ToolExec, raw), nil
	case "tool":
		if st.Name == "" {
			return models.RuntimeEvent{}, fmt.Errorf("%w: tool step missing name", ErrDecode)
		}
		return models.NewToolCall(nextCallID(), st.Name, st.Args), nil
	default:
		return models.RuntimeEvent{}, fmt.Errorf("%w: unknown step kind %q", ErrDecode, st.Kind)
	}
}

// balancedJSON extracts one JSON object starting in rest, continuing into
// following lines until braces balance. Returns the payload and how many
// following lines were consumed.
func balancedJSON(rest string, following []string) (string, int, error) {
	var b strings.Builder
	b.WriteString(rest)
	consumed := 0
	idx := 0
	for {
		if payload, ok := cutBalanced(b.String()); ok {
			return payload, consumed, nil
		}
		if idx >= len(following) {
			return "", 0, fmt.Errorf("unterminated JSON object")
		}
		b.WriteString("\n")
		b.WriteString(following[idx])
		idx++
		consumed++
	}
}

// cutBalanced returns the prefix of s forming a balanced top-level JSON
// object, honoring strings and escapes.
func cutBalanced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
