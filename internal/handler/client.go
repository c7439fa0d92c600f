package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/service"
	"nutbolt/internal/service/ai"

	"github.com/gorilla/websocket"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all
// origins, CORS is enforced by middleware for plain requests.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamWebsocketHandler accepts frames from one client and answers each
// processed frame with raw and stabilized detections. Binary messages are
// encoded images; text messages are JSON detect requests. Frames that
// arrive while the previous one is still running are dropped.
func StreamWebsocketHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}
		defer connection.Close()
		connection.SetReadLimit(cfg.MaxImageBytes)

		session, err := manager.OpenSession()
		if err != nil {
			logger.Error("Failed to open stream session: %v", err)
			connection.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
			return
		}
		defer manager.CloseSession(session.ID())

		ctx, cancel := context.WithCancel(r.Context())
		var (
			wg      sync.WaitGroup
			writeMu sync.Mutex
		)
		defer wg.Wait()
		defer cancel()

		send := func(result *model.StreamResult) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := connection.WriteJSON(result); err != nil {
				logger.Warning("Failed to send result to %s: %v", session.ID(), err)
			}
		}

		for {
			messageType, data, err := connection.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("Stream %s disconnected normally", session.ID())
				} else {
					logger.Error("Stream %s disconnected with error: %v", session.ID(), err)
				}
				return
			}

			image, confidence, err := parseStreamFrame(messageType, data)
			if err != nil {
				send(streamFailure(session.ID(), err.Error()))
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()

				result, err := session.Process(ctx, image, confidence)
				switch {
				case errors.Is(err, service.ErrSessionBusy):
					logger.Info("Stream %s busy, frame dropped", session.ID())
					send(streamFailure(session.ID(), msgSessionBusy))
					return
				case errors.Is(err, service.ErrSessionClosed), errors.Is(err, context.Canceled):
					return
				case err != nil:
					_, msg := detectionStatus(err)
					send(streamFailure(session.ID(), msg))
					return
				}

				manager.Broadcast(result)
				send(result)
			}()
		}
	}
}

// parseStreamFrame extracts the image and confidence from one message.
func parseStreamFrame(messageType int, data []byte) ([]byte, float64, error) {
	switch messageType {
	case websocket.BinaryMessage:
		if len(data) == 0 {
			return nil, 0, errors.New(msgNoImage)
		}
		return data, 0, nil

	case websocket.TextMessage:
		var request model.DetectRequest
		if err := json.Unmarshal(data, &request); err != nil || request.Image == "" {
			return nil, 0, errors.New(msgNoImage)
		}
		confidence := 0.0
		if request.Confidence != nil {
			confidence = *request.Confidence
			if confidence < 0 || confidence > 1 {
				return nil, 0, errors.New(msgConfidenceRange)
			}
		}
		image, err := ai.DecodeImagePayload(request.Image)
		if err != nil {
			return nil, 0, errors.New(msgDecodeFailed)
		}
		return image, confidence, nil
	}
	return nil, 0, errors.New("unsupported message type")
}

func streamFailure(session, msg string) *model.StreamResult {
	return &model.StreamResult{
		Success:    false,
		Error:      msg,
		Session:    session,
		Detections: []model.Detection{},
		Stable:     []model.Detection{},
		Counts:     map[string]int{},
	}
}

// ViewWebsocketHandler handles viewer connections over WebSocket and
// registers them in the HubService to receive every stream result.
func ViewWebsocketHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		hub := manager.GetWebsocketService()
		hub.Register(connection)
		defer hub.Unregister(connection)

		// Viewers only listen; reading detects the disconnect.
		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warning("Viewer disconnected with error: %v", err)
				}
				return
			}
		}
	}
}
