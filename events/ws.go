package events

import (
	"context"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/merchkit/checkout/logger"
)

// DefaultTable is the row-update table carrying contactless payment
// transactions on the relaying service's realtime feed.
const DefaultTable = "ContactlessPaymentTxOrMsg"

// WSChannel is a PushChannel over a websocket row-update feed. Each
// subscription dials its own connection and sends a subscribe frame filtered
// to the session's uuid, mirroring row-level-filter realtime feeds.
type WSChannel struct {
	url   string
	table string
	log   logger.Logger
}

type WSOption func(*WSChannel)

func WithTable(table string) WSOption {
	return func(c *WSChannel) { c.table = table }
}

func WithWSLogger(l logger.Logger) WSOption {
	return func(c *WSChannel) { c.log = l }
}

func NewWSChannel(url string, opts ...WSOption) *WSChannel {
	c := &WSChannel{
		url:   url,
		table: DefaultTable,
		log:   logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type subscribeFrame struct {
	Event  string `json:"event"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

// Subscribe dials the feed and streams updates for sessionID until the
// returned cancel func runs or the server closes the connection.
func (c *WSChannel) Subscribe(ctx context.Context, sessionID string) (<-chan TxUpdate, CancelFunc, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, nil, err
	}

	if err := wsjson.Write(ctx, conn, subscribeFrame{
		Event:  "UPDATE",
		Table:  c.table,
		Filter: "uuid=eq." + sessionID,
	}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, nil, err
	}

	// The read loop outlives the dial context; cancellation is explicit.
	readCtx, cancelRead := context.WithCancel(context.Background())
	out := make(chan TxUpdate, 8)

	go func() {
		defer close(out)
		for {
			var row TxUpdate
			if err := wsjson.Read(readCtx, conn, &row); err != nil {
				if readCtx.Err() == nil {
					c.log.Warn("push channel read failed", map[string]any{
						"sessionId": sessionID,
						"error":     err.Error(),
					})
				}
				return
			}
			// The server filters by uuid already; a second check here keeps a
			// misrouted row from crossing sessions.
			if row.SessionID != sessionID {
				continue
			}
			select {
			case out <- row:
			case <-readCtx.Done():
				return
			}
		}
	}()

	cancel := func() {
		cancelRead()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}
	return out, cancel, nil
}
