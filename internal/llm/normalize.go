package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// Wire shapes returned by the extraction service.
type courseJSON struct {
	Title  string      `json:"title"`
	Term   string      `json:"term,omitempty"`
	Code   string      `json:"code,omitempty"`
	Events []eventJSON `json:"events"`
}

type eventJSON struct {
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// timestampLayouts are tried in order when parsing event times.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"January 2, 2006 15:04",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// NormalizeCandidate converts a schema-valid response into a
// CandidateCourse. Events failing timestamp parsing are dropped with a
// recorded warning; unknown categories are coerced to "other". A result is
// never silently corrupted: every coercion and drop leaves a warning.
func NormalizeCandidate(raw []byte, loc *time.Location) (*entity.CandidateCourse, error) {
	if loc == nil {
		loc = time.UTC
	}

	var wire courseJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, common.Validation("AI_DECODE", "extraction response could not be decoded", err)
	}
	if strings.TrimSpace(wire.Title) == "" {
		return nil, common.Validation("AI_NO_TITLE", "extraction response is missing a course title", nil)
	}

	out := &entity.CandidateCourse{
		Title: strings.TrimSpace(wire.Title),
		Term:  strings.TrimSpace(wire.Term),
		Code:  strings.ToUpper(strings.TrimSpace(wire.Code)),
	}

	for i, ev := range wire.Events {
		title := strings.TrimSpace(ev.Title)
		if title == "" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("event %d dropped: empty title", i+1))
			continue
		}

		start, ok := parseTimestamp(ev.Start, loc)
		if !ok {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("event %q dropped: unparseable start %q", title, ev.Start))
			continue
		}

		cat, mapped := constants.MapCategory(ev.Category)
		if !mapped && strings.TrimSpace(ev.Category) != "" {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("event %q: category %q coerced to other", title, ev.Category))
		}

		cand := entity.CandidateEvent{
			Title:       title,
			Category:    cat,
			StartsAt:    start,
			Location:    strings.TrimSpace(ev.Location),
			Description: strings.TrimSpace(ev.Description),
		}
		if ev.End != "" {
			if end, ok := parseTimestamp(ev.End, loc); ok && end.After(start) {
				cand.EndsAt = &end
			} else {
				out.Warnings = append(out.Warnings,
					fmt.Sprintf("event %q: invalid end %q dropped", title, ev.End))
			}
		}
		out.Events = append(out.Events, cand)
	}

	if len(out.Events) == 0 {
		return nil, common.Validation("AI_NO_EVENTS", "no valid events could be extracted from the document", nil)
	}
	return out, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
