package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	storyHeader    = regexp.MustCompile(`(?i)^\s*(?:story|user story|requirement)\s*:\s*(.*)$`)
	criteriaHeader = regexp.MustCompile(`(?i)^\s*acceptance criteria\s*:?\s*(.*)$`)
	bullet         = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.*)$`)
)

// ParseStories splits batch text into stories. A story starts at a
// "Story:", "User Story:" or "Requirement:" line; lines after an
// "Acceptance Criteria:" line are criteria until the next story. Text
// before the first header is ignored. It returns nil when no header is
// found.
//
//	Story: Export Report
//	As a manager, I want to export the report as PDF
//	Acceptance Criteria:
//	- PDF contains all sections
func ParseStories(text string) []Story {
	var (
		stories    []Story
		cur        *Story
		inCriteria bool
		desc       []string
	)

	flush := func() {
		if cur == nil {
			return
		}
		cur.Description = strings.TrimSpace(strings.Join(desc, "\n"))
		if cur.Description == "" {
			cur.Description = cur.Title
		}
		stories = append(stories, *cur)
		cur = nil
		desc = nil
		inCriteria = false
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := storyHeader.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Story{
				ID:    fmt.Sprintf("S%d", len(stories)+1),
				Title: strings.TrimSpace(m[1]),
			}
			continue
		}
		if cur == nil {
			continue
		}
		if m := criteriaHeader.FindStringSubmatch(line); m != nil {
			inCriteria = true
			if rest := strings.TrimSpace(m[1]); rest != "" {
				cur.AcceptanceCriteria = append(cur.AcceptanceCriteria, rest)
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if inCriteria {
			if m := bullet.FindStringSubmatch(line); m != nil {
				trimmed = strings.TrimSpace(m[1])
			}
			cur.AcceptanceCriteria = append(cur.AcceptanceCriteria, trimmed)
			continue
		}
		desc = append(desc, trimmed)
	}
	flush()

	return stories
}
