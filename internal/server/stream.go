package server

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"leadline/internal/campaign"
	"leadline/internal/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamRequest is the first frame a client sends on the campaign stream.
type StreamRequest struct {
	Action  string `json:"action"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// StreamFrame is written for every progress update and once at the end.
type StreamFrame struct {
	Type     string               `json:"type"`
	Progress *campaign.Progress   `json:"progress,omitempty"`
	Log      *CampaignLogResponse `json:"log,omitempty"`
	Error    *apiErrorBody        `json:"error,omitempty"`
}

const (
	frameProgress = "progress"
	frameComplete = "complete"
	frameError    = "error"
)

func registerCampaignStream(r chi.Router, basePath string, e engine.Engine, gate *campaignGate, logger *zap.Logger) {
	r.Get(path.Join(basePath, "campaigns", "stream"), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		var req StreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			logger.Debug("campaign stream closed before start", zap.Error(err))
			return
		}
		if req.Action != "start" {
			writeStreamError(conn, newAPIError(http.StatusBadRequest, "bad_request", "unknown action "+req.Action, nil))
			return
		}
		if !gate.acquire() {
			writeStreamError(conn, newAPIError(http.StatusConflict, "campaign_running", "a campaign is already running", nil))
			return
		}
		defer gate.release()

		// A dropped client must not abort delivery; frames are discarded
		// once the first write fails.
		writable := true
		clog, err := e.RunCampaign(r.Context(), engine.CampaignOptions{Subject: req.Subject, Body: req.Body}, func(p campaign.Progress) {
			if !writable {
				return
			}
			if err := conn.WriteJSON(StreamFrame{Type: frameProgress, Progress: &p}); err != nil {
				writable = false
				logger.Debug("campaign stream write failed", zap.Error(err))
			}
		})
		if err != nil {
			writeStreamError(conn, handleError(err))
			return
		}
		if !writable {
			return
		}
		resp := campaignLogResponse(clog)
		_ = conn.WriteJSON(StreamFrame{Type: frameComplete, Log: &resp})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
}

func writeStreamError(conn *websocket.Conn, err error) {
	frame := StreamFrame{Type: frameError}
	if ae, ok := err.(*apiError); ok {
		frame.Error = &ae.Body
	} else {
		frame.Error = &apiErrorBody{Code: "internal_error", Message: err.Error()}
	}
	_ = conn.WriteJSON(frame)
}
