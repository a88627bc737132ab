package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
)

func TestNormalizeCandidateHappyPath(t *testing.T) {
	raw := []byte(`{
		"title": " Intro to Psychology ",
		"term": "Fall 2026",
		"code": "psyc 101",
		"events": [
			{"title": "Midterm", "category": "exam", "start": "2026-10-14T09:00:00Z", "end": "2026-10-14T11:00:00Z"},
			{"title": "Essay 1", "category": "assignment", "start": "2026-09-30"}
		]
	}`)

	cand, err := NormalizeCandidate(raw, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Intro to Psychology", cand.Title)
	assert.Equal(t, "PSYC 101", cand.Code)
	require.Len(t, cand.Events, 2)
	assert.Equal(t, constants.CategoryExam, cand.Events[0].Category)
	require.NotNil(t, cand.Events[0].EndsAt)
	assert.Empty(t, cand.Warnings)
}

func TestNormalizeDropsEventWithUnparseableStart(t *testing.T) {
	raw := []byte(`{
		"title": "Chemistry",
		"events": [
			{"title": "Lab report", "category": "assignment", "start": "sometime in week 3"},
			{"title": "Final", "category": "exam", "start": "2026-12-10T13:00:00Z"}
		]
	}`)

	cand, err := NormalizeCandidate(raw, time.UTC)
	require.NoError(t, err)
	require.Len(t, cand.Events, 1)
	assert.Equal(t, "Final", cand.Events[0].Title)
	require.Len(t, cand.Warnings, 1)
	assert.Contains(t, cand.Warnings[0], "Lab report")
	assert.Contains(t, cand.Warnings[0], "unparseable start")
}

func TestNormalizeCoercesUnknownCategoryToOther(t *testing.T) {
	raw := []byte(`{
		"title": "History",
		"events": [
			{"title": "Field trip", "category": "excursion", "start": "2026-11-02"}
		]
	}`)

	cand, err := NormalizeCandidate(raw, time.UTC)
	require.NoError(t, err)
	require.Len(t, cand.Events, 1)
	assert.Equal(t, constants.CategoryOther, cand.Events[0].Category)
	require.Len(t, cand.Warnings, 1)
	assert.Contains(t, cand.Warnings[0], "coerced to other")
}

func TestNormalizeDropsEndBeforeStart(t *testing.T) {
	raw := []byte(`{
		"title": "Math",
		"events": [
			{"title": "Quiz", "category": "quiz", "start": "2026-10-01T10:00:00Z", "end": "2026-10-01T09:00:00Z"}
		]
	}`)

	cand, err := NormalizeCandidate(raw, time.UTC)
	require.NoError(t, err)
	require.Len(t, cand.Events, 1)
	assert.Nil(t, cand.Events[0].EndsAt)
	require.Len(t, cand.Warnings, 1)
	assert.Contains(t, cand.Warnings[0], "invalid end")
}

func TestNormalizeFailsWhenNoEventSurvives(t *testing.T) {
	raw := []byte(`{
		"title": "Physics",
		"events": [
			{"title": "Something", "start": "TBD"}
		]
	}`)

	_, err := NormalizeCandidate(raw, time.UTC)
	require.Error(t, err)
	assert.Equal(t, common.ClassValidation, common.Classify(err))
	assert.Equal(t, "AI_NO_EVENTS", common.ErrorCode(err))
}

func TestNormalizeFailsWithoutTitle(t *testing.T) {
	raw := []byte(`{"title": "  ", "events": [{"title": "Final", "start": "2026-12-01"}]}`)

	_, err := NormalizeCandidate(raw, time.UTC)
	require.Error(t, err)
	assert.Equal(t, "AI_NO_TITLE", common.ErrorCode(err))
}

func TestParseTimestampHonorsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ts, ok := parseTimestamp("2026-10-14 09:00", loc)
	require.True(t, ok)
	assert.Equal(t, loc, ts.Location())

	_, ok = parseTimestamp("next Tuesday", loc)
	assert.False(t, ok)
}
