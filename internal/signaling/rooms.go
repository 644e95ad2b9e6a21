package signaling

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
)

type roomStatus struct {
	Presenter      string   `json:"presenter"`
	PresenterReady bool     `json:"presenterReady"`
	Viewers        []string `json:"viewers"`
}

// RoomsHandler serves a JSON snapshot of the one2many rooms and the number of
// live signaling sessions. It takes the same ?apiKey= / ?token= credential as
// the WebSocket routes.
func (s *Server) RoomsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
		if err == nil {
			err = s.verify(cred)
		}
		if err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": unauthorizedMessage(err)})
			return
		}
		if s.cfg.Broadcast == nil {
			httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "one2many is not enabled"})
			return
		}

		rooms := make(map[string]roomStatus)
		for name, info := range s.cfg.Broadcast.Rooms() {
			viewers := info.Viewers
			if viewers == nil {
				viewers = []string{}
			}
			rooms[name] = roomStatus{
				Presenter:      info.Presenter,
				PresenterReady: info.PresenterReady,
				Viewers:        viewers,
			}
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"rooms":    rooms,
			"sessions": s.Sessions(),
		})
	})
}
