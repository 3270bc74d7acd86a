package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, userID string, at time.Time, payload any) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("stub event published",
		zap.String("event_type", eventType),
		zap.String("user_id", userID),
		zap.Time("timestamp", at.UTC()),
		zap.Any("payload", payload),
	)
}

// redactMetadata strips secret material out of event metadata before it can
// reach a log line. Raw tokens and codes only travel to real consumers.
func redactMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return metadata
	}
	redacted := make(map[string]any, len(metadata))
	for key, value := range metadata {
		switch key {
		case "token", "code", "secret":
			redacted[key] = "[redacted]"
		default:
			redacted[key] = value
		}
	}
	return redacted
}

// PublishLoginSucceeded logs identity.user.login events.
func (p *StubPublisher) PublishLoginSucceeded(_ context.Context, event domain.LoginSucceededEvent) error {
	payload := map[string]any{
		"user_id":      event.UserID,
		"logged_in_at": event.LoggedInAt,
		"ip_address":   event.IPAddress,
		"mfa_used":     event.MfaUsed,
		"metadata":     redactMetadata(event.Metadata),
	}
	p.logEvent("identity.user.login", event.UserID, event.LoggedInAt, payload)
	return nil
}

// PublishPasswordChanged logs identity.user.password.changed events.
func (p *StubPublisher) PublishPasswordChanged(_ context.Context, event domain.PasswordChangedEvent) error {
	payload := map[string]any{
		"user_id":        event.UserID,
		"changed_at":     event.ChangedAt,
		"changed_by":     event.ChangedBy,
		"tokens_revoked": event.TokensRevoked,
		"metadata":       redactMetadata(event.Metadata),
	}
	p.logEvent("identity.user.password.changed", event.UserID, event.ChangedAt, payload)
	return nil
}

// PublishPasswordResetRequested logs identity.user.password.reset_requested
// events. The metadata carries the raw reset secret for the mail worker, so
// it is redacted here the same way PublishMfaCodeIssued withholds the code.
func (p *StubPublisher) PublishPasswordResetRequested(_ context.Context, event domain.PasswordResetRequestedEvent) error {
	payload := map[string]any{
		"user_id":            event.UserID,
		"request_id":         event.RequestID,
		"requested_at":       event.RequestedAt,
		"masked_destination": event.MaskedDestination,
		"ip_address":         event.IPAddress,
		"expires_at":         event.ExpiresAt,
		"metadata":           redactMetadata(event.Metadata),
	}
	p.logEvent("identity.user.password.reset_requested", event.UserID, event.RequestedAt, payload)
	return nil
}

// PublishMfaCodeIssued logs identity.mfa.code_issued events. The code itself
// is withheld from the log line.
func (p *StubPublisher) PublishMfaCodeIssued(_ context.Context, event domain.MfaCodeIssuedEvent) error {
	payload := map[string]any{
		"user_id":    event.UserID,
		"channel":    event.Channel,
		"issued_at":  event.IssuedAt,
		"expires_at": event.ExpiresAt,
		"metadata":   redactMetadata(event.Metadata),
	}
	p.logEvent("identity.mfa.code_issued", event.UserID, event.IssuedAt, payload)
	return nil
}

// PublishTokenFamilyRevoked logs identity.token.family_revoked events.
func (p *StubPublisher) PublishTokenFamilyRevoked(_ context.Context, event domain.TokenFamilyRevokedEvent) error {
	payload := map[string]any{
		"user_id":        event.UserID,
		"family_id":      event.FamilyID,
		"reason":         event.Reason,
		"actor":          event.Actor,
		"tokens_revoked": event.TokensRevoked,
		"revoked_at":     event.RevokedAt,
		"metadata":       redactMetadata(event.Metadata),
	}
	p.logEvent("identity.token.family_revoked", event.UserID, event.RevokedAt, payload)
	return nil
}

// PublishSessionEvicted logs identity.session.evicted events.
func (p *StubPublisher) PublishSessionEvicted(_ context.Context, event domain.SessionEvictedEvent) error {
	payload := map[string]any{
		"user_id":          event.UserID,
		"evicted_token_id": event.EvictedTokenID,
		"actor":            event.Actor,
		"evicted_at":       event.EvictedAt,
		"metadata":         redactMetadata(event.Metadata),
	}
	p.logEvent("identity.session.evicted", event.UserID, event.EvictedAt, payload)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
