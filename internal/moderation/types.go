// Package moderation runs untrusted contributions through the
// pending -> approved | rejected state machine before they can become
// authoritative catalog entries.
package moderation

import "time"

// Status is a submission's position in the state machine. Terminal states
// never transition further.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// RejectionReason explains a rejected submission.
type RejectionReason string

const (
	ReasonDuplicateContent RejectionReason = "duplicate_content"
	ReasonDuplicateName    RejectionReason = "duplicate_name"
)

// Submission is one collaborator upload awaiting (or past) review.
type Submission struct {
	ID            string          `json:"id"`
	OriginalName  string          `json:"original_name"`
	StorageHandle string          `json:"storage_handle"`
	UploadedAt    time.Time       `json:"uploaded_at"`
	SizeBytes     int64           `json:"size_bytes"`
	PreUploadHash string          `json:"pre_upload_hash"`
	Status        Status          `json:"status"`

	// Set on terminal transition.
	DecidedAt            *time.Time      `json:"decided_at,omitempty"`
	RejectionReason      RejectionReason `json:"rejection_reason,omitempty"`
	DuplicateOf          string          `json:"duplicate_of,omitempty"`
	StandardizedFilename string          `json:"standardized_filename,omitempty"`
}

// Terminal reports whether the submission has been decided.
func (s Submission) Terminal() bool {
	return s.Status == StatusApproved || s.Status == StatusRejected
}

// DecisionEvent is published on the moderation-decisions topic when a
// submission reaches a terminal state, feeding the submitter-facing queue.
type DecisionEvent struct {
	SubmissionID    string          `json:"submission_id"`
	OriginalName    string          `json:"original_name"`
	Status          Status          `json:"status"`
	RejectionReason RejectionReason `json:"rejection_reason,omitempty"`
	DuplicateOf     string          `json:"duplicate_of,omitempty"`
	DecidedAt       time.Time       `json:"decided_at"`
}
