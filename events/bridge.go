// Package events forwards transaction-hash updates from a push channel,
// scoped to a single session identifier, into the checkout orchestrator.
package events

import (
	"context"
	"sync"

	"github.com/merchkit/checkout/logger"
)

// TxUpdate is one row-level update from the push channel.
type TxUpdate struct {
	SessionID string `json:"uuid"`
	TxHash    string `json:"txHash"`
}

// CancelFunc tears down one subscription.
type CancelFunc func()

// PushChannel delivers row updates for exactly one session identifier per
// subscription, never a wildcard. The returned channel is closed when the
// subscription ends; updates arrive in receipt order.
type PushChannel interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan TxUpdate, CancelFunc, error)
}

// Handler receives updates for the currently bound session.
type Handler func(TxUpdate)

// Bridge binds a single handler to the push channel for one session at a
// time. Rebinding to a new session unsubscribes the prior filter first, so
// updates can never leak across sessions. Duplicate deliveries of the same
// hash pass through; idempotence is the orchestrator's job.
type Bridge struct {
	channel PushChannel
	handler Handler
	log     logger.Logger

	mu        sync.Mutex
	cancel    CancelFunc
	sessionID string
}

func NewBridge(channel PushChannel, handler Handler, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Bridge{
		channel: channel,
		handler: handler,
		log:     log,
	}
}

// Rebind subscribes to sessionID, dropping any previous subscription.
// An empty sessionID just unsubscribes.
func (b *Bridge) Rebind(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.sessionID = sessionID
	if sessionID == "" {
		return nil
	}

	updates, cancel, err := b.channel.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	b.cancel = cancel

	go b.forward(sessionID, updates)
	return nil
}

// forward drains one subscription in receipt order. Updates for a session
// the bridge has since moved away from are dropped.
func (b *Bridge) forward(sessionID string, updates <-chan TxUpdate) {
	for u := range updates {
		b.mu.Lock()
		current := b.sessionID
		b.mu.Unlock()
		if current != sessionID {
			return
		}
		if u.SessionID != sessionID || u.TxHash == "" {
			continue
		}
		b.log.Debug("push update received", map[string]any{
			"sessionId": u.SessionID,
			"txHash":    u.TxHash,
		})
		b.handler(u)
	}
}

// Close drops the active subscription, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.sessionID = ""
}
