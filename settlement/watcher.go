// Package settlement independently verifies on-chain settlement of a
// submitted transaction by polling for its receipt with bounded retries and
// a fixed interval.
package settlement

import (
	"context"
	"fmt"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/merchkit/checkout/logger"
	"github.com/merchkit/checkout/types"
)

// ReceiptSource reads transaction receipts from a blockchain node.
// A (nil, nil) return means the transaction is not yet mined.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error)
}

// Watcher polls a ReceiptSource until a receipt appears or the attempt
// budget is exhausted. The interval is fixed rather than exponential:
// predictable latency matters more here, and the polling rate is far below
// node limits for a single transaction lookup.
type Watcher struct {
	source   ReceiptSource
	attempts int
	interval time.Duration
	log      logger.Logger
}

type Option func(*Watcher)

func WithAttempts(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.attempts = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

func NewWatcher(source ReceiptSource, opts ...Option) *Watcher {
	w := &Watcher{
		source:   source,
		attempts: types.DefaultPollAttempts,
		interval: types.DefaultPollInterval,
		log:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitForReceipt polls once per interval until the receipt appears. A read
// error on a non-final attempt is logged and retried; on the final attempt
// it surfaces as SETTLEMENT_READ. Exhausting the budget without a receipt
// fails with SETTLEMENT_TIMEOUT carrying the hash and attempt count.
// Cancelling ctx aborts the loop between attempts.
func (w *Watcher) WaitForReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		receipt, err := w.source.TransactionReceipt(ctx, txHash)
		switch {
		case err != nil && attempt == w.attempts:
			return nil, &types.CheckoutError{
				Code:    types.ErrSettlementRead,
				Message: fmt.Sprintf("receipt lookup failed on final attempt %d: %v", attempt, err),
				Data:    map[string]any{"txHash": txHash, "attempts": w.attempts},
			}
		case err != nil:
			w.log.Warn("receipt lookup failed, retrying", map[string]any{
				"txHash":  txHash,
				"attempt": attempt,
				"error":   err.Error(),
			})
		case receipt != nil:
			w.log.Info("transaction receipt found", map[string]any{
				"txHash":  txHash,
				"attempt": attempt,
				"status":  receipt.Status,
			})
			return receipt, nil
		}

		if attempt == w.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.interval):
		}
	}

	return nil, &types.CheckoutError{
		Code:    types.ErrSettlementTimeout,
		Message: fmt.Sprintf("transaction receipt not found after %d attempts", w.attempts),
		Data:    map[string]any{"txHash": txHash, "attempts": w.attempts},
	}
}
