package llm

import (
	"regexp"
	"strings"
	"unicode"
)

// SanitizedText is document text with instruction-injection patterns
// neutralized. Sanitization degrades content; it never fails.
type SanitizedText struct {
	Text      string
	Findings  []string
	Truncated bool
}

// TruncationMarker is appended whenever input is cut to the length cap, so
// the downstream service sees an explicit signal instead of a silent cliff.
const TruncationMarker = "\n[document truncated at length limit]"

var (
	// "ignore all previous instructions" and friends.
	reOverride = regexp.MustCompile(`(?i)(ignore|disregard|forget|override)\s+(all\s+|any\s+)?(previous|prior|earlier|above|preceding)\s+(instructions?|prompts?|rules?|context)`)

	// Role markers at line start that could be mistaken for chat structure.
	reRoleMarker = regexp.MustCompile(`(?im)^\s*(system|assistant|developer|tool)\s*:`)

	// Fenced code blocks read like structural delimiters to some models.
	reFence = regexp.MustCompile("```+")

	// Our own frame sentinels must never appear inside the document.
	reSentinel = regexp.MustCompile(`(?i)(BEGIN|END)[ _-]?SYLLABUS[ _-]?DOCUMENT`)
)

// Sanitize neutralizes known instruction-override patterns and enforces the
// downstream input length cap. maxLen <= 0 means no cap.
func Sanitize(text string, maxLen int) SanitizedText {
	out := SanitizedText{}

	s := stripControl(text)

	if m := reOverride.FindAllString(s, -1); len(m) > 0 {
		s = reOverride.ReplaceAllString(s, "[removed]")
		out.Findings = append(out.Findings, "instruction-override phrase")
	}
	if reRoleMarker.MatchString(s) {
		s = reRoleMarker.ReplaceAllStringFunc(s, func(m string) string {
			return strings.Replace(m, ":", " -", 1)
		})
		out.Findings = append(out.Findings, "role marker")
	}
	if reFence.MatchString(s) {
		s = reFence.ReplaceAllString(s, "")
		out.Findings = append(out.Findings, "code fence")
	}
	if reSentinel.MatchString(s) {
		s = reSentinel.ReplaceAllString(s, "[removed]")
		out.Findings = append(out.Findings, "frame sentinel")
	}

	if maxLen > 0 && len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !isRuneBoundary(s, cut) {
			cut--
		}
		s = s[:cut] + TruncationMarker
		out.Truncated = true
	}

	out.Text = s
	return out
}

// stripControl drops control and zero-width characters that can hide
// instructions from pattern matching, keeping tabs and newlines.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r':
			return r
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
