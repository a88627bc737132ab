package extract

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/coursecal/syllabus-ingest/internal/common"
)

// ResourceChecker reports whether the process has headroom to start an
// expensive operation. Implemented outside the pipeline in deployments with
// a real pressure signal; the default reads the Go heap.
type ResourceChecker interface {
	HasHeadroom() bool
}

// heapChecker admits work while heap in use stays under a fixed ceiling.
type heapChecker struct {
	ceiling uint64
}

func (h heapChecker) HasHeadroom() bool {
	if h.ceiling == 0 {
		return true
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse < h.ceiling
}

// Admission is the process-wide OCR admission gate: a bounded slot count
// plus a memory-pressure check. Slots must be released on every exit path.
type Admission struct {
	sem     *semaphore.Weighted
	checker ResourceChecker
	logger  *slog.Logger
}

func NewAdmission(maxConcurrent int64, memoryCeiling uint64, logger *slog.Logger) *Admission {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		sem:     semaphore.NewWeighted(maxConcurrent),
		checker: heapChecker{ceiling: memoryCeiling},
		logger:  logger,
	}
}

// WithChecker swaps the pressure signal; used by deployments and tests.
func (a *Admission) WithChecker(c ResourceChecker) *Admission {
	if c != nil {
		a.checker = c
	}
	return a
}

// Acquire takes one OCR slot without blocking. It fails fast with a
// retryable error when no slot is free or the process is under memory
// pressure, rather than degrading silently.
func (a *Admission) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("OCR_CANCELLED", "extraction cancelled", err)
	}
	if !a.checker.HasHeadroom() {
		a.logger.Warn("ocr.admission.denied", "reason", "memory_pressure")
		return nil, common.Transient("OCR_RESOURCE_UNAVAILABLE", "resource unavailable for OCR, try again later", nil)
	}
	if !a.sem.TryAcquire(1) {
		a.logger.Warn("ocr.admission.denied", "reason", "no_slots")
		return nil, common.Transient("OCR_RESOURCE_UNAVAILABLE", "resource unavailable for OCR, try again later", nil)
	}
	return func() { a.sem.Release(1) }, nil
}
