package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/relay"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// Healthz reports process liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ListRooms returns every room's membership snapshot, for operators
// watching the matchmaking pool.
func ListRooms(s store.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.List(r.Context())
		if err != nil {
			log.Warn("room listing failed", zap.Error(err))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}

		out := make([]types.RoomState, 0, len(recs))
		for _, rec := range recs {
			out = append(out, relay.Snapshot(rec))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Rooms []types.RoomState `json:"rooms"`
		}{Rooms: out})
	}
}
