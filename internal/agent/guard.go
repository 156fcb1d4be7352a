package agent

import (
	"github.com/courier-ai/courier/internal/redact"
	"github.com/courier-ai/courier/pkg/models"
)

// DefaultResultMaxChars caps a single tool result before it enters the
// conversation or the store.
const DefaultResultMaxChars = 30000

// ResultGuard scrubs and truncates tool results before anything persists
// or re-enters the model context.
type ResultGuard struct {
	redactor *redact.Redactor
	maxChars int
}

// NewResultGuard builds a guard. maxChars <= 0 uses the default cap.
func NewResultGuard(r *redact.Redactor, maxChars int) *ResultGuard {
	if maxChars <= 0 {
		maxChars = DefaultResultMaxChars
	}
	return &ResultGuard{redactor: r, maxChars: maxChars}
}

// Apply returns the guarded result and the number of redactions made.
func (g *ResultGuard) Apply(res models.ToolResult) (models.ToolResult, int) {
	r := g.redactor.Apply(res.Output)
	res.Output = r.Text
	if len(res.Output) > g.maxChars {
		res.Output = res.Output[:g.maxChars] + "...[truncated]"
	}
	return res, r.Replacements
}
