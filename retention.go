package chatsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrInvalidKeep = errors.New("keep must not be negative")

// Retention prunes local history. It never talks to the server.
type Retention struct {
	cache Cache
	convs *Conversations
	log   *zap.Logger
}

func newRetention(cache Cache, convs *Conversations, log *zap.Logger) *Retention {
	return &Retention{cache: cache, convs: convs, log: log}
}

// Truncate keeps only the newest keep cached messages of a conversation
// and reloads the in-memory view from the cache. When anything is removed
// the cursor goes back to CursorMore, since the server still has it, and
// the retention floor rises so replayed deliveries of pruned messages are
// not applied again.
func (r *Retention) Truncate(ctx context.Context, conversationID string, keep int) (int, error) {
	if keep < 0 {
		return 0, ErrInvalidKeep
	}
	msgs, err := r.cache.Messages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", conversationID, err)
	}

	var drop []string
	if len(msgs) > keep {
		for _, m := range msgs[:len(msgs)-keep] {
			drop = append(drop, m.ID)
		}
		if err := r.cache.DeleteMessages(ctx, drop); err != nil {
			return 0, fmt.Errorf("delete from %s: %w", conversationID, err)
		}
		if err := r.cache.RaiseRetentionFloor(ctx, msgs[len(drop)-1]); err != nil {
			return len(drop), fmt.Errorf("retention floor of %s: %w", conversationID, err)
		}
	}
	if err := r.convs.reload(ctx, conversationID, len(drop) > 0); err != nil {
		return len(drop), err
	}
	if len(drop) > 0 {
		r.log.Info("truncated local history",
			zap.String("conversation_id", conversationID), zap.Int("removed", len(drop)), zap.Int("kept", len(msgs)-len(drop)))
	}
	return len(drop), nil
}

// EnforceAll applies Truncate to every cached conversation.
func (r *Retention) EnforceAll(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, ErrInvalidKeep
	}
	convs, err := r.cache.Conversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cached conversations: %w", err)
	}
	total := 0
	for _, conv := range convs {
		n, err := r.Truncate(ctx, conv.ID, keep)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
