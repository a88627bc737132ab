package llm

import (
	"context"

	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// ExtractRequest carries sanitized document text plus hints to the
// extraction service.
type ExtractRequest struct {
	Sanitized    SanitizedText
	FilenameHint string
	Timezone     string
}

// CourseExtractor is the interface the pipeline depends on.
type CourseExtractor interface {
	ExtractCourse(ctx context.Context, req ExtractRequest) (*entity.CandidateCourse, []byte /*rawJSON*/, error)
}
