package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/courier-ai/courier/pkg/models"
)

// RepairFunc asks the model to re-emit a response after a decode failure.
// It receives the invalid fragment and the decode error detail and returns
// the replacement raw output.
type RepairFunc func(ctx context.Context, invalid string, reason string) (string, error)

// repairPromptTemplate is what callers typically send back to the model as
// the repair instruction.
const repairPromptTemplate = "Your previous reply violated the tool-call protocol (%s). " +
	"The invalid fragment was:\n%s\n" +
	"Reply again using only plain text or well-formed !exec / !tool / !loop macros."

// RepairPrompt renders the standard repair instruction.
func RepairPrompt(invalid, reason string) string {
	const maxEcho = 600
	if len(invalid) > maxEcho {
		invalid = invalid[:maxEcho] + "...[truncated]"
	}
	return fmt.Sprintf(repairPromptTemplate, reason, invalid)
}

// EnforceResult reports how a response made it through the contract.
type EnforceResult struct {
	Events   []models.RuntimeEvent
	Repaired bool
}

// Enforce decodes raw model output, allowing exactly one repair round-trip
// on decode failure. If the repaired output fails again, the turn yields a
// single ProtocolViolation event followed by a sigil-stripped prose
// fallback; no third model call is ever made.
func Enforce(ctx context.Context, raw string, repair RepairFunc) (EnforceResult, error) {
	events, err := Decode(raw)
	if err == nil {
		return EnforceResult{Events: events}, nil
	}
	if !errors.Is(err, ErrDecode) {
		return EnforceResult{}, err
	}
	if repair == nil {
		return EnforceResult{Events: violationEvents(raw, err)}, nil
	}

	repairedRaw, rerr := repair(ctx, raw, err.Error())
	if rerr != nil {
		return EnforceResult{}, fmt.Errorf("repair call: %w", rerr)
	}

	events, err = Decode(repairedRaw)
	if err == nil {
		return EnforceResult{Events: events, Repaired: true}, nil
	}
	if !errors.Is(err, ErrDecode) {
		return EnforceResult{}, err
	}
	return EnforceResult{Events: violationEvents(repairedRaw, err), Repaired: true}, nil
}

func violationEvents(raw string, err error) []models.RuntimeEvent {
	events := []models.RuntimeEvent{
		models.NewRuntimeError(models.ErrKindProtocolViolation, err.Error()),
	}
	if text := StripSigils(raw); text != "" {
		events = append(events, models.NewAssistantText(text))
	}
	return events
}
