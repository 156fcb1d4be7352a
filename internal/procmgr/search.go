package procmgr

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// SearchOptions control a log search.
type SearchOptions struct {
	// ContextLines of surrounding output per match.
	ContextLines int
	// MaxResults per page.
	MaxResults int
	// FromLine resumes a previous search (cursor).
	FromLine int
}

// SearchMatch is one hit in a session log.
type SearchMatch struct {
	Line    int
	Text    string
	Context []string
}

// SearchResult is one page of matches. NextLine is non-zero when more of
// the log remains to scan.
type SearchResult struct {
	Matches  []SearchMatch
	NextLine int
}

// Search scans a session's persisted log for a case-insensitive substring.
// It works for any session state, including orphaned ones; the log on
// disk is the source of truth.
func (m *Manager) Search(ctx context.Context, id, query string, opts SearchOptions) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.ContextLines < 0 {
		opts.ContextLines = 0
	}

	sess, err := m.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(sess.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	needle := strings.ToLower(query)
	res := &SearchResult{}
	var window []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if opts.ContextLines > 0 {
			window = append(window, line)
			if len(window) > opts.ContextLines+1 {
				window = window[1:]
			}
		}
		if lineNo <= opts.FromLine {
			continue
		}
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}

		match := SearchMatch{Line: lineNo, Text: line}
		if opts.ContextLines > 0 && len(window) > 1 {
			match.Context = append([]string(nil), window[:len(window)-1]...)
		}
		res.Matches = append(res.Matches, match)
		if len(res.Matches) >= opts.MaxResults {
			res.NextLine = lineNo
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}
	return res, nil
}
