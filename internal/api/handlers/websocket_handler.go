package handlers

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/pkg/logger"
)

// WebSocketHandler holds one classification session per connection: the
// first message carries the query, later ones answer its questions.
type WebSocketHandler struct {
	classify *ClassifyHandler
	timeout  time.Duration
}

func NewWebSocketHandler(classify *ClassifyHandler, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &WebSocketHandler{
		classify: classify,
		timeout:  timeout,
	}
}

// maxMessageText matches the HTTP validation limit; socket messages do not
// pass through that middleware.
const maxMessageText = 500

type wsMessage struct {
	Type   string `json:"type"`
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	var sess *catalog.Session
	for {
		var msg wsMessage
		err := c.ReadJSON(&msg)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		text, next := h.turn(msg, sess)
		if next == nil && text == "" {
			if msg.Type == "reset" {
				sess = nil
				h.send(c, map[string]interface{}{"type": "reset"})
				continue
			}
			h.sendError(c, "query or answer is required")
			continue
		}
		if utf8.RuneCountInString(text) > maxMessageText {
			h.sendError(c, "query exceeds maximum length")
			continue
		}

		h.send(c, map[string]interface{}{"type": "status", "content": "Classifying..."})

		resp, err := h.run(text, next)
		if err != nil {
			_, errMsg := errorStatus(err)
			logger.Error("Failed to classify over WebSocket", zap.Error(err))
			h.sendError(c, errMsg)
			continue
		}

		sess = resp.Session
		if sess.Status.Terminal() {
			// A resolved or unmatched session is finished; the next message
			// starts over.
			sess = nil
		}
		h.send(c, map[string]interface{}{"type": "result", "result": resp})
	}
}

// turn picks the text and the session to continue. A query always starts a
// new session; an answer continues the open one.
func (h *WebSocketHandler) turn(msg wsMessage, open *catalog.Session) (string, *catalog.Session) {
	if msg.Type == "reset" {
		return "", nil
	}
	if answer := strings.TrimSpace(msg.Answer); answer != "" && open != nil {
		return answer, open
	}
	return strings.TrimSpace(msg.Query), nil
}

func (h *WebSocketHandler) run(text string, sess *catalog.Session) (*ClassifyResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.classify.Run(ctx, text, sess)
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg map[string]interface{}) {
	if err := c.WriteJSON(msg); err != nil {
		logger.Warn("Failed to write WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	h.send(c, map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
