package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/models"
	"github.com/scivet/revaudit/internal/streaming"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 8 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens at the gateway; origins are not restricted here.
		return true
	},
}

// RegisterWebSocket registers the WebSocket streaming endpoint.
// The client sends the manuscript as its first text message and then
// receives the run's event sequence as JSON frames.
func (h *ReviewHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/reviews/ws", h.handleReviewWS)
}

func (h *ReviewHandler) handleReviewWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var m models.Manuscript
	if err := conn.ReadJSON(&m); err != nil {
		writeWSError(conn, "expected manuscript as first message")
		h.writeWSClose(conn, websocket.ClosePolicyViolation, "bad manuscript")
		return
	}

	runID := uuid.New().String()
	s := h.streams.Open(runID)
	defer h.streams.Close(runID)
	defer s.Cancel()

	go func() {
		if _, err := h.engine.ReviewStream(r.Context(), runID, &m, s); err != nil &&
			!errors.Is(err, streaming.ErrConsumerGone) {
			h.logger.Debug("websocket review ended with error",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()

	// Reader pump: we only care about pongs and close frames, but the
	// connection must be drained for the pong handler to run.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.Cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case evt, open := <-s.Events():
			if !open {
				h.writeWSClose(conn, websocket.CloseNormalClosure, "review finished")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("run_id", runID), zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ReviewHandler) writeWSClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// writeWSError is a helper for sending a structured error before close.
func writeWSError(conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
