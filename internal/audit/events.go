// Package audit records who did what to the knowledge base. Actions are
// buffered in memory, flushed to Kafka in batches, and archived to
// PostgreSQL by a consumer so operators can review the trail.
package audit

import "time"

// Action identifies the kind of governance action recorded.
type Action string

const (
	ActionDocumentIngested   Action = "document_ingested"
	ActionDocumentRemoved    Action = "document_removed"
	ActionURLRegistered      Action = "url_registered"
	ActionURLRemoved         Action = "url_removed"
	ActionSubmissionReceived Action = "submission_received"
	ActionSubmissionApproved Action = "submission_approved"
	ActionSubmissionRejected Action = "submission_rejected"
	ActionSubmissionDenied   Action = "submission_denied"
	ActionKeyCreated         Action = "key_created"
	ActionKeyRevoked         Action = "key_revoked"
)

// Event is one recorded governance action. Actor is the name of the API
// key that performed it and Subject identifies what was acted on (a
// display name, URL, or submission ID).
type Event struct {
	Action    Action            `json:"action"`
	Actor     string            `json:"actor"`
	Subject   string            `json:"subject"`
	Detail    map[string]string `json:"detail,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
