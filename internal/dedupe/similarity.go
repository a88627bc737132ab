package dedupe

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// Field weights for the composite score. When a field is absent on either
// side its weight is redistributed proportionally across the present fields.
const (
	weightTitle  = 0.40
	weightTerm   = 0.20
	weightCode   = 0.15
	weightEvents = 0.25
)

// Two events are considered the same occurrence when their titles are this
// similar and their start times fall within matchTimeWindow.
const (
	eventTitleSim   = 0.75
	matchTimeWindow = 24 * time.Hour
)

// Engine scores a candidate course against a user's existing courses. It
// holds no state beyond thresholds and is safe for concurrent use.
type Engine struct {
	cfg common.DedupeConfig
	log *slog.Logger
}

func NewEngine(cfg common.DedupeConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, log: logger}
}

// Score compares the candidate against every course in existing and returns
// the verdict for the best match. A course clearing both thresholds always
// wins over a higher-scoring course that clears neither; the raw best is
// reported only when nothing qualifies. The caller is responsible for
// passing only courses owned by the requesting user.
func (e *Engine) Score(cand *entity.CandidateCourse, existing []entity.Course) *entity.SimilarityVerdict {
	verdict := &entity.SimilarityVerdict{Recommendation: constants.RecommendCreateNew}

	var (
		bestRaw      = -1.0
		bestRawFS    entity.FieldScores
		bestMatch    = -1.0
		bestMatchFS  entity.FieldScores
		bestMatchIdx = -1
		matchChurn   bool
	)
	for i := range existing {
		course := &existing[i]
		fs, overall, churn := e.scoreCourse(cand, course)
		if overall > bestRaw {
			bestRaw = overall
			bestRawFS = fs
		}
		// Both thresholds must clear before anything counts as a match.
		if fs.Title >= e.cfg.TitleThreshold && overall >= e.cfg.OverallThreshold && overall > bestMatch {
			bestMatch = overall
			bestMatchFS = fs
			bestMatchIdx = i
			matchChurn = churn
		}
	}

	if bestMatchIdx >= 0 {
		id := existing[bestMatchIdx].ID.String()
		verdict.Score = bestMatch
		verdict.FieldScores = bestMatchFS
		verdict.MatchedCourseID = &id
		verdict.EventChurnAmbiguous = matchChurn
	} else if bestRaw >= 0 {
		verdict.Score = bestRaw
		verdict.FieldScores = bestRawFS
	}

	verdict.Recommendation = e.recommend(verdict)

	e.log.Debug("dedupe.score.ok",
		"candidates_compared", len(existing),
		"score", verdict.Score,
		"title_score", verdict.FieldScores.Title,
		"matched", verdict.MatchedCourseID != nil,
		"recommendation", verdict.Recommendation,
	)
	return verdict
}

// recommend maps the verdict onto the advisory bands. A candidate that never
// cleared both thresholds is always create-new regardless of raw score.
func (e *Engine) recommend(v *entity.SimilarityVerdict) constants.Recommendation {
	switch {
	case v.MatchedCourseID == nil, v.Score < e.cfg.LowBand:
		return constants.RecommendCreateNew
	case v.Score >= e.cfg.HighBand:
		return constants.RecommendUpdateExisting
	default:
		return constants.RecommendAskUser
	}
}

func (e *Engine) scoreCourse(cand *entity.CandidateCourse, course *entity.Course) (entity.FieldScores, float64, bool) {
	fs := entity.FieldScores{
		// Titles use a prefix-bonused match so that abbreviated forms such
		// as "Intro to X" score close to "Introduction to X".
		Title: levenshtein.Match(normalize(cand.Title), normalize(course.Title), nil),
	}

	type part struct {
		weight  float64
		score   float64
		present bool
	}
	parts := []part{{weight: weightTitle, score: fs.Title, present: true}}

	if cand.Term != "" && course.Term != "" {
		fs.Term = fuzzyEqual(cand.Term, course.Term)
		parts = append(parts, part{weightTerm, fs.Term, true})
	} else {
		parts = append(parts, part{weightTerm, 0, false})
	}

	if cand.Code != "" && course.Code != "" {
		if normalizeCode(cand.Code) == normalizeCode(course.Code) {
			fs.Code = 1
		}
		parts = append(parts, part{weightCode, fs.Code, true})
	} else {
		parts = append(parts, part{weightCode, 0, false})
	}

	var churn bool
	if len(cand.Events) > 0 && len(course.Events) > 0 {
		fs.EventOverlap, churn = e.eventOverlap(cand.Events, course.Events)
		parts = append(parts, part{weightEvents, fs.EventOverlap, true})
	} else {
		parts = append(parts, part{weightEvents, 0, false})
	}

	var presentWeight, overall float64
	for _, p := range parts {
		if p.present {
			presentWeight += p.weight
		}
	}
	for _, p := range parts {
		if p.present {
			overall += (p.weight / presentWeight) * p.score
		}
	}
	return fs, overall, churn
}

// eventOverlap greedily pairs candidate events with existing events by title
// similarity and start-time proximity, then returns the Dice overlap of the
// two sets. Events left unpaired are additions or removals. A leftover
// addition whose title closely matches a leftover removal is probably the
// same event at a new time; that case is reported as ambiguous rather than
// counted as churn.
func (e *Engine) eventOverlap(cand []entity.CandidateEvent, existing []entity.CourseEvent) (float64, bool) {
	type pair struct {
		c, x int
		sim  float64
	}
	var pairs []pair
	for ci := range cand {
		for xi := range existing {
			sim := levenshtein.Similarity(normalize(cand[ci].Title), normalize(existing[xi].Title), nil)
			if sim < eventTitleSim {
				continue
			}
			delta := cand[ci].StartsAt.Sub(existing[xi].StartsAt)
			if delta < 0 {
				delta = -delta
			}
			if delta > matchTimeWindow {
				continue
			}
			pairs = append(pairs, pair{ci, xi, sim})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].sim > pairs[j].sim })

	usedC := make(map[int]bool, len(cand))
	usedX := make(map[int]bool, len(existing))
	matched := 0
	for _, p := range pairs {
		if usedC[p.c] || usedX[p.x] {
			continue
		}
		usedC[p.c] = true
		usedX[p.x] = true
		matched++
	}

	// Additions and removals with near-identical titles but distant times
	// cannot be told apart from a reschedule.
	churn := false
	for ci := range cand {
		if usedC[ci] {
			continue
		}
		for xi := range existing {
			if usedX[xi] {
				continue
			}
			sim := levenshtein.Similarity(normalize(cand[ci].Title), normalize(existing[xi].Title), nil)
			if sim >= eventTitleSim {
				churn = true
				break
			}
		}
		if churn {
			break
		}
	}

	overlap := float64(2*matched) / float64(len(cand)+len(existing))
	return overlap, churn
}

// fuzzyEqual scores two short labels: exact after normalization is 1.0,
// otherwise plain edit-distance similarity.
func fuzzyEqual(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	return levenshtein.Similarity(na, nb, nil)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// normalizeCode strips separators so "CS-101", "cs 101" and "CS101" compare
// equal.
func normalizeCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
