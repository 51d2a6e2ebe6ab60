// Package ws bridges websocket connections to the relay: it decodes
// client messages, dispatches them, and pumps relay events back out.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/relay"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	// readTimeout bounds idle connections; movement traffic keeps
	// live clients well under it.
	readTimeout = 60 * time.Second
)

// Handler upgrades the request and runs the connection until the
// client goes away.
func Handler(r *relay.Relay, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		out := r.Register(connID)
		defer func() {
			// Disconnect is idempotent with an explicit elimination
			// that may have already unbound this connection.
			if err := r.Disconnect(context.Background(), connID); err != nil {
				log.Warn("disconnect reconciliation failed",
					zap.String("conn_id", connID), zap.Error(err))
			}
			r.Deregister(connID)
		}()

		log.Info("connection opened", zap.String("conn_id", connID))

		writeCtx, writeCancel := context.WithCancel(req.Context())
		defer writeCancel()
		go writer(writeCtx, conn, out)

		reader(req.Context(), conn, r, connID, log)
		log.Info("connection closed", zap.String("conn_id", connID))
	}
}

// writer pumps outbox events to the socket. Critical events win when
// both queues are ready.
func writer(ctx context.Context, conn *websocket.Conn, out *relay.Outbox) {
	for {
		var ev relay.Event
		select {
		case ev = <-out.Critical():
		default:
			select {
			case ev = <-out.Critical():
			case ev = <-out.Moves():
			case <-out.Done():
				conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			case <-ctx.Done():
				return
			}
		}

		payload, err := json.Marshal(encode(ev))
		if err != nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
}

func reader(ctx context.Context, conn *websocket.Conn, r *relay.Relay, connID string, log *zap.Logger) {
	for {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			// Clean close or failure, either way the deferred
			// disconnect reconciliation takes over.
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			r.SendNotice(connID, "bad_request", "malformed message")
			continue
		}
		dispatch(ctx, r, connID, cm, log)
	}
}

func dispatch(ctx context.Context, r *relay.Relay, connID string, cm types.ClientMessage, log *zap.Logger) {
	switch cm.Type {
	case "join":
		if cm.Name == "" {
			r.SendNotice(connID, "bad_request", "join requires a name")
			return
		}
		if _, err := r.Join(ctx, connID, cm.Name); err != nil {
			r.SendNotice(connID, joinErrorCode(err), "failed to join game, please retry")
			log.Warn("join failed", zap.String("conn_id", connID), zap.Error(err))
		}
	case "move":
		if cm.Position == nil || cm.Rotation == nil {
			return // fire-and-forget, malformed moves are just dropped
		}
		r.Move(connID, *cm.Position, *cm.Rotation)
	case "worldMutation":
		if cm.Target == nil {
			return
		}
		r.WorldMutation(connID, *cm.Target)
	case "eliminateSelf":
		if err := r.Eliminate(ctx, connID); err != nil {
			r.SendNotice(connID, "contention", "elimination not recorded, please retry")
			log.Warn("eliminate failed", zap.String("conn_id", connID), zap.Error(err))
		}
	default:
		r.SendNotice(connID, "bad_request", "unknown message type")
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, store.ErrUnavailable):
		return "store_unavailable"
	case errors.Is(err, store.ErrContention):
		return "contention"
	case errors.Is(err, store.ErrNotFound):
		return "room_not_found"
	default:
		return "internal"
	}
}

// encode maps a relay event onto the wire message shape.
func encode(ev relay.Event) types.ServerMessage {
	switch v := ev.(type) {
	case relay.RoomUpdate:
		return types.ServerMessage{Type: "roomUpdate", Room: &v.Room}
	case relay.GameStart:
		started := v.StartedAt
		return types.ServerMessage{Type: "gameStart", Room: &v.Room, StartedAt: &started}
	case relay.PlayerMoved:
		pos, rot := v.Position, v.Rotation
		return types.ServerMessage{
			Type:          "playerMoved",
			ParticipantID: v.ParticipantID,
			Position:      &pos,
			Rotation:      &rot,
		}
	case relay.WorldMutated:
		target := v.Target
		return types.ServerMessage{
			Type:          "worldMutated",
			ParticipantID: v.ParticipantID,
			Target:        &target,
		}
	case relay.Notice:
		return types.ServerMessage{
			Type:  "errorNotice",
			Error: &types.Notice{Code: v.Code, Message: v.Message},
		}
	default:
		return types.ServerMessage{Type: "errorNotice", Error: &types.Notice{Code: "internal"}}
	}
}
