package messagebus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// retain records a persistent message and hands it to the sink.
func (b *Bus) retain(ctx context.Context, msg AgentMessage) {
	if !msg.Persistent {
		return
	}

	b.histMu.Lock()
	b.history = append(b.history, msg)
	if over := len(b.history) - b.cfg.HistoryLimit; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
	b.histMu.Unlock()

	if b.sink != nil {
		if err := b.sink.SaveMessage(ctx, msg); err != nil {
			b.logger.Debug("message sink rejected write", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

// GetMessageHistory returns retained persistent messages that have not
// expired, oldest first. Limit keeps the most recent matches.
func (b *Bus) GetMessageHistory(filter HistoryFilter) []AgentMessage {
	now := b.now()

	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := []AgentMessage{}
	for _, m := range b.history {
		if m.Expired(now) || !filter.match(m) {
			continue
		}
		out = append(out, m)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// EvictExpired drops retained messages whose TTL elapsed at now and returns
// how many were removed.
func (b *Bus) EvictExpired(now time.Time) int {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	kept := b.history[:0]
	for _, m := range b.history {
		if !m.Expired(now) {
			kept = append(kept, m)
		}
	}
	evicted := len(b.history) - len(kept)
	clear(b.history[len(kept):])
	b.history = kept
	if evicted > 0 {
		b.logger.Debug("evicted expired messages", zap.Int("count", evicted))
	}
	return evicted
}

// HistorySize returns the number of retained messages, expired ones included.
func (b *Bus) HistorySize() int {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return len(b.history)
}
