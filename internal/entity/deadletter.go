package entity

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry is the durable record of a terminally failed job. It holds
// a one-way reference to the originating job; jobs never reference entries
// back except by the advisory dead_letter_id surfaced in status polls.
type DeadLetterEntry struct {
	ID           uuid.UUID `json:"id"`
	JobID        uuid.UUID `json:"job_id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	FailureStage string    `json:"failure_stage"`
	ErrorClass   string    `json:"error_class"`
	ErrorDetail  string    `json:"error_detail"`

	Filename     string `json:"filename"`
	DeclaredMIME string `json:"declared_mime"`

	// Small payloads are retained encrypted so a retry needs no re-upload.
	// Larger payloads are referenced by spool pointer only.
	PayloadCipher []byte `json:"-"`
	PayloadNonce  []byte `json:"-"`
	SpoolPointer  string `json:"spool_pointer,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
