package ws

import (
	"net/http"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/observability"
)

// AcceptHandler returns an http.Handler that upgrades requests to websocket
// peers and feeds every inbound frame to handler. Mount it on the node's
// control mux to accept cluster peers.
func AcceptHandler(handler transport.Handler, logger observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.Log()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Error("peer accept failed", observability.Err(err))
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")
		conn.SetReadLimit(peerReadLimit)

		ctx := r.Context()
		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if msgType != websocket.MessageText {
				continue
			}
			var frame transport.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				logger.Error("peer frame decode failed", observability.Err(err))
				continue
			}
			if handler == nil {
				continue
			}
			if err := handler(ctx, frame); err != nil {
				logger.Error("peer frame handler failed",
					observability.String("kind", string(frame.Kind)), observability.Err(err))
			}
		}
	})
}
