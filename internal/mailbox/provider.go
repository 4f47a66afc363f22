// Package mailbox integrates with the user's mail provider. The pipeline
// only ever reads attachment bytes and writes labels; message content is
// parsed upstream and never re-fetched.
package mailbox

import "context"

// LabelChange describes a label mutation on one message.
type LabelChange struct {
	AddLabelIDs    []string
	RemoveLabelIDs []string
}

// Provider is the mail-provider surface the pipeline needs.
type Provider interface {
	// EnsureLabel creates the named label if missing and returns its id.
	// Creating a label that already exists is not an error.
	EnsureLabel(ctx context.Context, name string) (string, error)

	// ModifyLabels applies a label change to a message.
	ModifyLabels(ctx context.Context, messageID string, change LabelChange) error

	// FetchAttachment downloads one attachment's raw bytes.
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}
