package ports

import (
	"context"

	"voxhub/internal/core/domain"
)

// PresenceStore publishes per-instance stats snapshots for cluster-wide
// visibility. Snapshots are advisory and expire on their own.
type PresenceStore interface {
	Publish(ctx context.Context, snapshot domain.InstanceSnapshot) error
	ListInstances(ctx context.Context) ([]domain.InstanceSnapshot, error)
}

// MessageStore is the external chat history collaborator. Storage and
// retrieval are out of scope here; the signaling layer only hands messages
// over when a store is wired in.
type MessageStore interface {
	Append(ctx context.Context, msg domain.ChatMessage) error
}
