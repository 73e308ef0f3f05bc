// Package bus routes A2A messages between agents inside one startup:
// direct messages go to the named agent, broadcasts fan out to every
// agent whose subscription patterns match the topic.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

type Bus struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Now    func() time.Time
}

func (b Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// PublishInput describes one outgoing message. Leave ToAgent empty to
// broadcast on the topic.
type PublishInput struct {
	StartupID        string
	FromAgent        string
	ToAgent          string
	Topic            string
	Type             string
	Priority         string
	Payload          map[string]any
	ThreadID         string
	ParentID         string
	RequiresResponse bool
	ResponseDeadline *string
}

// Publish delivers a message and returns the rows created, one per
// recipient. A broadcast that matches no subscriber creates nothing and
// is not an error.
func (b Bus) Publish(ctx context.Context, in PublishInput) ([]domain.Message, error) {
	if in.StartupID == "" || in.FromAgent == "" || in.Topic == "" {
		return nil, fmt.Errorf("startup_id, from_agent and topic required")
	}
	now := b.now().UTC().Format(time.RFC3339)
	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return nil, err
	}

	threadID := in.ThreadID
	var parentID *string
	if in.ParentID != "" {
		parent, err := b.Repo.GetMessage(ctx, in.StartupID, in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent message: %w", err)
		}
		threadID = parent.ThreadID
		parentID = &parent.ID
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}

	recipients, err := b.resolveRecipients(ctx, in)
	if err != nil {
		return nil, err
	}

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if parentID != nil {
		if err := b.Repo.MarkResponseReceived(ctx, tx, in.StartupID, *parentID); err != nil {
			return nil, err
		}
	}

	var created []domain.Message
	for _, to := range recipients {
		to := to
		m := domain.Message{
			ID:               uuid.NewString(),
			StartupID:        in.StartupID,
			ThreadID:         threadID,
			ParentID:         parentID,
			FromAgent:        in.FromAgent,
			ToAgent:          &to,
			Topic:            in.Topic,
			Type:             normalizeType(in.Type),
			Priority:         normalizePriority(in.Priority),
			PayloadJSON:      payload,
			Status:           domain.MessagePending,
			RequiresResponse: in.RequiresResponse,
			ResponseDeadline: in.ResponseDeadline,
			CreatedAt:        now,
		}
		if err := b.Repo.InsertMessage(ctx, tx, m); err != nil {
			return nil, err
		}
		if err := b.Ledger.Append(ctx, tx, "a2a.message.published", in.StartupID, "message", m.ID, in.FromAgent, ledger.Payload{
			"topic":     m.Topic,
			"to_agent":  to,
			"thread_id": threadID,
			"type":      m.Type,
			"priority":  m.Priority,
		}); err != nil {
			return nil, err
		}
		created = append(created, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// RespondTo publishes a reply to an existing message. The reply is
// addressed to the original sender and the original message is flagged
// as answered.
func (b Bus) RespondTo(ctx context.Context, startupID, messageID, fromAgent string, payload map[string]any) (domain.Message, error) {
	original, err := b.Repo.GetMessage(ctx, startupID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	created, err := b.Publish(ctx, PublishInput{
		StartupID: startupID,
		FromAgent: fromAgent,
		ToAgent:   original.FromAgent,
		Topic:     original.Topic,
		Type:      original.Type,
		Priority:  original.Priority,
		Payload:   payload,
		ParentID:  original.ID,
	})
	if err != nil {
		return domain.Message{}, err
	}
	return created[0], nil
}

// MarkProcessed moves a message to PROCESSED. The transition is
// one-way: a processed message stays processed.
func (b Bus) MarkProcessed(ctx context.Context, startupID, messageID, actorID string) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := b.Repo.MarkMessageProcessed(ctx, tx, startupID, messageID); err != nil {
		return err
	}
	if err := b.Ledger.Append(ctx, tx, "a2a.message.processed", startupID, "message", messageID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (b Bus) resolveRecipients(ctx context.Context, in PublishInput) ([]string, error) {
	if in.ToAgent != "" {
		return []string{in.ToAgent}, nil
	}
	cfg, err := b.Repo.GetStartupConfig(ctx, in.StartupID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var recipients []string
	for agent, patterns := range cfg.Subscriptions {
		if agent == in.FromAgent {
			continue
		}
		for _, p := range patterns {
			if TopicMatches(p, in.Topic) {
				recipients = append(recipients, agent)
				break
			}
		}
	}
	sort.Strings(recipients)
	return recipients, nil
}

// TopicMatches reports whether a subscription pattern covers a topic.
// "*" matches everything, "metrics.*" matches any topic under the
// "metrics." prefix, anything else must match exactly.
func TopicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return pattern == topic
}

func normalizeType(t string) string {
	switch t {
	case domain.TypeInsight, domain.TypeRequest, domain.TypeAction, domain.TypeAlert:
		return t
	}
	return domain.TypeInsight
}

func normalizePriority(p string) string {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return p
	}
	return domain.PriorityMedium
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}
