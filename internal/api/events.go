package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/kalambet/docket/internal/progress"
)

// handleEvents upgrades to a WebSocket and forwards the case's progress
// events as JSON text frames until either side goes away. Origin is not
// checked; the bearer token has already been verified.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "progress events are not enabled")
			return
		}
		caseID := chi.URLParam(r, "caseID")

		srv := websocket.Server{
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler: func(ws *websocket.Conn) {
				defer ws.Close()
				streamEvents(r.Context(), ws, deps, caseID)
			},
		}
		srv.ServeHTTP(w, r)
	}
}

func streamEvents(ctx context.Context, ws *websocket.Conn, deps Deps, caseID string) {
	events, cancel := deps.Events.Subscribe(caseID, progress.DefaultBuffer)
	defer cancel()

	log := deps.Logger.With("case_id", caseID)
	log.Debug("progress subscriber connected")
	defer log.Debug("progress subscriber disconnected")

	// Inbound frames are ignored; a read error means the client left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, ev); err != nil {
				log.Debug("progress send failed", "error", err)
				return
			}
		}
	}
}
