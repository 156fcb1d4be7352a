package protocol

import (
	"regexp"
	"strings"

	"github.com/courier-ai/courier/internal/redact"
	"github.com/courier-ai/courier/pkg/models"
)

// DefaultFallback is sent when a turn produced no assistant prose at all.
const DefaultFallback = "(no response)"

// sigilLineRe matches whole macro lines that must never reach a chat
// transport.
var sigilLineRe = regexp.MustCompile(`(?im)^[ \t]*!(exec|tool|loop)\b.*$`)

// inlineSigilRe matches macro tokens that survived inside prose.
var inlineSigilRe = regexp.MustCompile(`(?i)!(exec|tool|loop)\b`)

// stepSigilRe matches legacy loop step lines. They carry protocol bytes
// even when the !loop header that should precede them failed to decode.
var stepSigilRe = regexp.MustCompile(`(?im)^[ \t]*Step[ \t]*\{cmd:.*$`)

// StripSigils removes protocol macros from prose. Whole macro and step
// lines are dropped; inline occurrences are defanged so the transport
// never carries an executable-looking token.
func StripSigils(text string) string {
	text = sigilLineRe.ReplaceAllString(text, "")
	text = stepSigilRe.ReplaceAllString(text, "")
	text = inlineSigilRe.ReplaceAllStringFunc(text, func(m string) string {
		return "\\" + m
	})
	return strings.TrimSpace(text)
}

// RenderReport is the audit trail of a firewall pass.
type RenderReport struct {
	// Redactions counts secret replacements made in the rendered text.
	Redactions int
	// RedactionPatterns lists the pattern sources that fired.
	RedactionPatterns []string
	// DroppedEvents counts non-text events that were withheld.
	DroppedEvents int
	// Errors carries user-presentable error summaries for RuntimeError
	// events, already free of internal detail.
	Errors []string
}

// RenderForTransport builds the only string allowed to reach a chat
// transport for a turn. AssistantText events are concatenated and
// sigil-stripped; ToolCall and ToolResult events never pass; RuntimeError
// events surface as a generic summary line. Everything is redacted last,
// so a secret inside prose still gets scrubbed.
func RenderForTransport(events []models.RuntimeEvent, r *redact.Redactor) (string, RenderReport) {
	var report RenderReport
	var parts []string

	for _, ev := range events {
		switch ev.Kind {
		case models.EventAssistantText:
			if ev.Text == nil {
				continue
			}
			if text := StripSigils(ev.Text.Content); text != "" {
				parts = append(parts, text)
			}
		case models.EventRuntimeError:
			if ev.Error != nil {
				report.Errors = append(report.Errors, errorSummary(ev.Error.Kind))
			}
			report.DroppedEvents++
		default:
			report.DroppedEvents++
		}
	}

	out := strings.Join(parts, "\n\n")
	if out == "" {
		if len(report.Errors) > 0 {
			out = strings.Join(report.Errors, "\n")
		} else {
			out = DefaultFallback
		}
	} else if len(report.Errors) > 0 {
		out = out + "\n\n" + strings.Join(report.Errors, "\n")
	}

	res := r.Apply(out)
	report.Redactions = res.Replacements
	report.RedactionPatterns = res.Patterns
	return res.Text, report
}

// errorSummary maps internal error kinds to the short user-facing line.
// Internal detail strings stay in logs.
func errorSummary(kind models.ErrorKind) string {
	switch kind {
	case models.ErrKindProtocolViolation, models.ErrKindDecodeFailure:
		return "⚠️ The model reply could not be processed."
	case models.ErrKindToolNotAllowed:
		return "⚠️ A requested tool is not available in this session."
	case models.ErrKindApprovalDenied:
		return "⚠️ The requested action was not approved."
	case models.ErrKindApprovalExpired:
		return "⚠️ The approval request expired."
	case models.ErrKindCapacityExceeded:
		return "⚠️ Too many concurrent sessions; close one and retry."
	case models.ErrKindExecutionTimeout:
		return "⚠️ A tool run timed out."
	case models.ErrKindOutputCapExceeded:
		return "⚠️ A tool produced too much output and was stopped."
	case models.ErrKindProviderUnavailable:
		return "⚠️ The model backend is unavailable; try again shortly."
	case models.ErrKindCancelled:
		return "⚠️ The request was cancelled."
	default:
		return "⚠️ Something went wrong handling that request."
	}
}
