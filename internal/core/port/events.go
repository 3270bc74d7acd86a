package port

import (
	"context"

	"github.com/cedarline/identity-core/internal/core/domain"
)

// EventPublisher publishes domain events to the message bus. Publishing is
// fire-and-forget from the caller's perspective; a failed publish is logged,
// never surfaced as an authentication failure.
type EventPublisher interface {
	PublishLoginSucceeded(ctx context.Context, event domain.LoginSucceededEvent) error
	PublishPasswordChanged(ctx context.Context, event domain.PasswordChangedEvent) error
	PublishPasswordResetRequested(ctx context.Context, event domain.PasswordResetRequestedEvent) error
	PublishMfaCodeIssued(ctx context.Context, event domain.MfaCodeIssuedEvent) error
	PublishTokenFamilyRevoked(ctx context.Context, event domain.TokenFamilyRevokedEvent) error
	PublishSessionEvicted(ctx context.Context, event domain.SessionEvictedEvent) error
}
