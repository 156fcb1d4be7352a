package procmgr

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrCommandDenied means the command matched a configured deny pattern.
var ErrCommandDenied = errors.New("command denied by policy")

// CompileDenyPolicy turns configured deny patterns into the compiled form
// Config.Deny takes. Patterns are matched case-insensitively against the
// whole command line.
func CompileDenyPolicy(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// checkPolicy rejects commands matching any deny pattern. It runs before
// any process is spawned, for both interactive sessions and short runs.
func (m *Manager) checkPolicy(command string) error {
	for _, re := range m.cfg.Deny {
		if re.MatchString(command) {
			return fmt.Errorf("%w: matched %q", ErrCommandDenied, re.String())
		}
	}
	return nil
}
