package web

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const clientReadLimit = 4096

// ServeChannel upgrades the request and runs one subscriber session on channel.
func (h *Hub) ServeChannel(channel Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			h.l.Warn("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(clientReadLimit)

		c := h.newClient(channel, conn)
		if err := h.add(c); err != nil {
			c.writeMu.Unlock()
			h.metrics.SubscriberRejected(r.Context())
			h.l.Warn("rejecting subscriber", zap.String("channel", string(channel)), zap.Error(err))
			_ = conn.Close(websocket.StatusPolicyViolation, "too many connections")
			return
		}
		h.metrics.SubscriberConnected(r.Context(), string(channel))
		h.l.Debug("subscriber connected", zap.String("id", c.id), zap.String("channel", string(channel)))

		ctx := r.Context()
		err = h.greet(ctx, c)
		c.writeMu.Unlock()
		if err != nil {
			h.drop(c, err)
			return
		}

		err = h.readLoop(ctx, c)
		var closeErr websocket.CloseError
		if err == nil || errors.As(err, &closeErr) || ctx.Err() != nil {
			h.drop(c, nil)
			return
		}
		h.drop(c, err)
	}
}

// greet sends welcome and the first snapshot. The caller holds c.writeMu.
func (h *Hub) greet(ctx context.Context, c *client) error {
	welcome, err := json.Marshal(welcomeMessage{
		Type:         TypeWelcome,
		ConnectionID: c.id,
		Channel:      string(c.channel),
		Ts:           h.now().UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(err, "encode welcome")
	}
	if err := c.writeLocked(ctx, welcome); err != nil {
		return errors.Wrap(err, "write welcome")
	}

	snapshot, err := json.Marshal(h.snapshotMessage())
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	return errors.Wrap(c.writeLocked(ctx, snapshot), "write snapshot")
}

func (h *Hub) readLoop(ctx context.Context, c *client) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.l.Debug("ignoring malformed client message", zap.String("id", c.id), zap.Error(err))
			continue
		}

		var reply any
		switch msg.Type {
		case TypePing:
			reply = heartbeatMessage{Type: TypePong, Ts: h.now().UnixMilli()}
		case TypeResnapshot, TypeSnapshot:
			if !c.limiter.Allow() {
				reply = systemMessage{Type: TypeSystem, Level: "info", Message: "snapshot requested too often", Ts: h.now().UnixMilli()}
				break
			}
			reply = h.snapshotMessage()
		default:
			h.l.Debug("ignoring client message", zap.String("id", c.id), zap.String("type", msg.Type))
			continue
		}

		payload, err := json.Marshal(reply)
		if err != nil {
			return errors.Wrap(err, "encode reply")
		}
		if err := c.write(ctx, payload); err != nil {
			return errors.Wrap(err, "write reply")
		}
	}
}
