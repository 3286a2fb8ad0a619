package pipeline

import (
	"encoding/json"
	"strings"
)

// Story is one discrete user story sent to the pipeline.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description"`
	AcceptanceCriteria Criteria `json:"acceptance_criteria,omitempty"`
}

// Criteria is a list of acceptance criteria. The server sends either a
// newline separated string or a list; both decode to a list and it is
// always encoded as a string.
type Criteria []string

// MarshalJSON implements json.Marshaler.
func (c Criteria) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(c, "\n"))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Criteria) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = list
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = nil
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
		if line != "" {
			*c = append(*c, line)
		}
	}
	return nil
}

// Request is the body of a full pipeline run. Either RawText or Stories
// must be set.
type Request struct {
	RawText   string  `json:"raw_text,omitempty"`
	Stories   []Story `json:"stories,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
}

// Issue is a problem the analyzer found in a story.
type Issue struct {
	StoryID     string `json:"story_id,omitempty"`
	Type        string `json:"type,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// AnalysisSummary holds the analyzer's counts.
type AnalysisSummary struct {
	TotalStories      int  `json:"total_stories"`
	StoriesWithIssues int  `json:"stories_with_issues"`
	TotalIssues       int  `json:"total_issues"`
	HasSuggestions    bool `json:"has_suggestions"`
}

// Analysis is the analyzer stage output.
type Analysis struct {
	Summary AnalysisSummary `json:"summary"`
	Issues  []Issue         `json:"issues"`
}

// Requirement is an identified (and possibly prioritized) requirement.
type Requirement struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria Criteria `json:"acceptance_criteria,omitempty"`
	Score              float64  `json:"score,omitempty"`
	Priority           int      `json:"priority,omitempty"`
}

// ActionItem is a follow-up extracted by the reporter.
type ActionItem struct {
	Who    string  `json:"who,omitempty"`
	Action string  `json:"action"`
	Due    *string `json:"due,omitempty"`
}

// Report is the reporter stage output.
type Report struct {
	Markdown             string       `json:"final_report_markdown"`
	CSV                  string       `json:"final_report_csv,omitempty"`
	Mermaid              string       `json:"final_report_mermaid,omitempty"`
	ActionItems          []ActionItem `json:"action_items,omitempty"`
	StakeholderQuestions []string     `json:"stakeholder_questions,omitempty"`
}

// Result is the aggregate response of a full pipeline run.
type Result struct {
	Analysis     *Analysis     `json:"analysis,omitempty"`
	Requirements []Requirement `json:"requirements"`
	Prioritized  []Requirement `json:"prioritized"`
	Report       *Report       `json:"report,omitempty"`
}
