package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	summaryTopItems      = 3
	summaryReportExcerpt = 500
)

// Summarize renders the single transcript entry shown for a pipeline run:
// the counts, the top prioritized requirements and an excerpt of the report.
func Summarize(res *Result) string {
	if res == nil {
		return "Analysis complete: the pipeline returned no result."
	}

	var b strings.Builder
	b.WriteString("Analysis complete\n")

	if a := res.Analysis; a != nil {
		stories := a.Summary.TotalStories
		issues := a.Summary.TotalIssues
		if issues == 0 {
			issues = len(a.Issues)
		}
		fmt.Fprintf(&b, "- %s analyzed, %s found", plural(stories, "story", "stories"), plural(issues, "issue", "issues"))
		if a.Summary.StoriesWithIssues > 0 {
			fmt.Fprintf(&b, " in %s", plural(a.Summary.StoriesWithIssues, "story", "stories"))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "- %s identified\n", plural(len(res.Requirements), "requirement", "requirements"))

	if len(res.Prioritized) > 0 {
		b.WriteString("\nTop priorities:\n")
		for i, r := range res.Prioritized {
			if i == summaryTopItems {
				break
			}
			title := r.Title
			if title == "" {
				title = r.ID
			}
			fmt.Fprintf(&b, "%d. %s", i+1, title)
			if r.Score > 0 {
				fmt.Fprintf(&b, " (score %.2f)", r.Score)
			}
			b.WriteString("\n")
		}
	}

	if rep := res.Report; rep != nil {
		if md := strings.TrimSpace(rep.Markdown); md != "" {
			b.WriteString("\nReport:\n")
			b.WriteString(truncate(md, summaryReportExcerpt))
			b.WriteString("\n")
		}
		if n, q := len(rep.ActionItems), len(rep.StakeholderQuestions); n > 0 || q > 0 {
			fmt.Fprintf(&b, "\n%s, %s\n",
				plural(n, "action item", "action items"),
				plural(q, "stakeholder question", "stakeholder questions"))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

// truncate cuts s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
