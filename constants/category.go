package constants

import "strings"

// EventCategory is the closed enum for syllabus events.
type EventCategory string

const (
	CategoryExam         EventCategory = "exam"
	CategoryQuiz         EventCategory = "quiz"
	CategoryAssignment   EventCategory = "assignment"
	CategoryProject      EventCategory = "project"
	CategoryClassSession EventCategory = "class-session"
	CategoryOther        EventCategory = "other"
)

// EventCategories lists the enum in a stable order for prompts and schemas.
var EventCategories = []string{
	string(CategoryExam),
	string(CategoryQuiz),
	string(CategoryAssignment),
	string(CategoryProject),
	string(CategoryClassSession),
	string(CategoryOther),
}

// categorySynonyms maps common syllabus wording onto the enum.
var categorySynonyms = map[string]EventCategory{
	"midterm":      CategoryExam,
	"final":        CategoryExam,
	"final exam":   CategoryExam,
	"test":         CategoryExam,
	"pop quiz":     CategoryQuiz,
	"homework":     CategoryAssignment,
	"hw":           CategoryAssignment,
	"problem set":  CategoryAssignment,
	"paper":        CategoryAssignment,
	"essay":        CategoryAssignment,
	"presentation": CategoryProject,
	"lecture":      CategoryClassSession,
	"class":        CategoryClassSession,
	"lab":          CategoryClassSession,
	"section":      CategoryClassSession,
	"recitation":   CategoryClassSession,
}

// MapCategory coerces a free-form label onto the closed enum. Anything
// unrecognized becomes "other"; the second return reports whether the input
// mapped cleanly.
func MapCategory(raw string) (EventCategory, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return CategoryOther, false
	}
	for _, c := range EventCategories {
		if s == c {
			return EventCategory(c), true
		}
	}
	if c, ok := categorySynonyms[s]; ok {
		return c, true
	}
	return CategoryOther, false
}
