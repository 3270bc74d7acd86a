package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type eventEnvelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Payload   any               `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata: map[string]string{
			"service":     p.appCfg.Name,
			"environment": p.appCfg.Env,
		},
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishLoginSucceeded publishes identity.user.login events.
func (p *EventPublisher) PublishLoginSucceeded(ctx context.Context, event domain.LoginSucceededEvent) error {
	payload := struct {
		UserID     string         `json:"user_id"`
		LoggedInAt time.Time      `json:"logged_in_at"`
		IPAddress  *string        `json:"ip_address,omitempty"`
		MfaUsed    bool           `json:"mfa_used"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		UserID:     event.UserID,
		LoggedInAt: event.LoggedInAt.UTC(),
		IPAddress:  event.IPAddress,
		MfaUsed:    event.MfaUsed,
		Metadata:   event.Metadata,
	}

	return p.publish(ctx, event.EventID, "identity.user.login", event.UserID, event.LoggedInAt, payload)
}

// PublishPasswordChanged publishes identity.user.password.changed events.
func (p *EventPublisher) PublishPasswordChanged(ctx context.Context, event domain.PasswordChangedEvent) error {
	payload := struct {
		UserID        string         `json:"user_id"`
		ChangedAt     time.Time      `json:"changed_at"`
		ChangedBy     string         `json:"changed_by"`
		TokensRevoked int            `json:"tokens_revoked"`
		Metadata      map[string]any `json:"metadata,omitempty"`
	}{
		UserID:        event.UserID,
		ChangedAt:     event.ChangedAt.UTC(),
		ChangedBy:     event.ChangedBy,
		TokensRevoked: event.TokensRevoked,
		Metadata:      event.Metadata,
	}

	return p.publish(ctx, event.EventID, "identity.user.password.changed", event.UserID, event.ChangedAt, payload)
}

// PublishPasswordResetRequested publishes identity.user.password.reset_requested events.
func (p *EventPublisher) PublishPasswordResetRequested(ctx context.Context, event domain.PasswordResetRequestedEvent) error {
	payload := struct {
		UserID            string         `json:"user_id"`
		RequestID         string         `json:"request_id"`
		RequestedAt       time.Time      `json:"requested_at"`
		Destination       string         `json:"destination,omitempty"`
		MaskedDestination string         `json:"masked_destination,omitempty"`
		IPAddress         *string        `json:"ip_address,omitempty"`
		ExpiresAt         time.Time      `json:"expires_at"`
		Metadata          map[string]any `json:"metadata,omitempty"`
	}{
		UserID:            event.UserID,
		RequestID:         event.RequestID,
		RequestedAt:       event.RequestedAt.UTC(),
		Destination:       event.Destination,
		MaskedDestination: event.MaskedDestination,
		IPAddress:         event.IPAddress,
		ExpiresAt:         event.ExpiresAt.UTC(),
		Metadata:          event.Metadata,
	}

	return p.publish(ctx, event.EventID, "identity.user.password.reset_requested", event.UserID, event.RequestedAt, payload)
}

// PublishMfaCodeIssued publishes identity.mfa.code_issued events for the
// delivery worker. The code travels in the payload; the topic is internal.
func (p *EventPublisher) PublishMfaCodeIssued(ctx context.Context, event domain.MfaCodeIssuedEvent) error {
	payload := struct {
		UserID         string         `json:"user_id"`
		ChallengeToken string         `json:"challenge_token"`
		Channel        string         `json:"channel"`
		Code           string         `json:"code"`
		IssuedAt       time.Time      `json:"issued_at"`
		ExpiresAt      time.Time      `json:"expires_at"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}{
		UserID:         event.UserID,
		ChallengeToken: event.ChallengeToken,
		Channel:        event.Channel,
		Code:           event.Code,
		IssuedAt:       event.IssuedAt.UTC(),
		ExpiresAt:      event.ExpiresAt.UTC(),
		Metadata:       event.Metadata,
	}

	return p.publish(ctx, event.EventID, "identity.mfa.code_issued", event.UserID, event.IssuedAt, payload)
}

// PublishTokenFamilyRevoked publishes identity.token.family_revoked events.
func (p *EventPublisher) PublishTokenFamilyRevoked(ctx context.Context, event domain.TokenFamilyRevokedEvent) error {
	payload := struct {
		UserID        string         `json:"user_id"`
		FamilyID      string         `json:"family_id"`
		Reason        string         `json:"reason"`
		Actor         string         `json:"actor"`
		TokensRevoked int            `json:"tokens_revoked"`
		RevokedAt     time.Time      `json:"revoked_at"`
		Metadata      map[string]any `json:"metadata,omitempty"`
	}{
		UserID:        event.UserID,
		FamilyID:      event.FamilyID,
		Reason:        event.Reason,
		Actor:         event.Actor,
		TokensRevoked: event.TokensRevoked,
		RevokedAt:     event.RevokedAt.UTC(),
		Metadata:      event.Metadata,
	}

	return p.publish(ctx, event.EventID, "identity.token.family_revoked", event.UserID, event.RevokedAt, payload)
}

// PublishSessionEvicted publishes identity.session.evicted events.
func (p *EventPublisher) PublishSessionEvicted(ctx context.Context, event domain.SessionEvictedEvent) error {
	payload := struct {
		UserID         string         `json:"user_id"`
		EvictedTokenID string         `json:"evicted_token_id"`
		Actor          string         `json:"actor"`
		EvictedAt      time.Time      `json:"evicted_at"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}{
		UserID:         event.UserID,
		EvictedTokenID: event.EvictedTokenID,
		Actor:          event.Actor,
		EvictedAt:      event.EvictedAt.UTC(),
		Metadata:       event.Metadata,
	}

	return p.publish(ctx, event.EventID, "identity.session.evicted", event.UserID, event.EvictedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
