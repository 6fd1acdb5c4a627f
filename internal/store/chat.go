package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"atlas/internal/llm"
)

// LoadConversation returns the stored message history of a conversation, or
// an empty history when none exists yet. The session closes before any LLM
// call happens.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) ([]llm.Message, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT messages FROM chat_conversations WHERE id = $1`, conversationID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []llm.Message
	if err := json.Unmarshal(blob, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveConversation upserts the full message history after a chat round
// completes.
func (s *Store) SaveConversation(ctx context.Context, conversationID, userID, orgID string, messages []llm.Message) error {
	blob, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
INSERT INTO chat_conversations (id, user_id, org_id, messages, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE SET messages = EXCLUDED.messages, updated_at = EXCLUDED.updated_at`,
		conversationID, userID, orgID, blob, now)
	return err
}
