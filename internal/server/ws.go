package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon is expected to sit behind a same-origin reverse proxy;
	// origin checking is left to that layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// askWS handles GET /ws/ask: a WebSocket twin of askStream for callers that
// prefer a persistent duplex connection over SSE, e.g. browser clients that
// also want to send a cancel frame without opening a second HTTP request.
func (s *Server) askWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var req AskRequest
	if err := conn.ReadJSON(&req); err != nil {
		return nil
	}
	if req.Question == "" {
		conn.WriteJSON(ErrorResponse{Error: errEmptyQuestion.Error()})
		return nil
	}

	run := s.orchestrator.Ask(c.Request().Context(), req.Question, askOptions(req))
	s.runs.add(run)
	defer s.runs.remove(run.ID)

	// A reader goroutine lets the client cancel mid-stream by sending any
	// frame (its content is ignored; presence alone requests cancellation).
	cancelCh := make(chan struct{})
	go func() {
		defer close(cancelCh)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}()

	for {
		select {
		case ev, ok := <-run.Events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("ask ws %s: marshal event: %v", run.ID, err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				run.Cancel()
				return nil
			}
		case <-cancelCh:
			run.Cancel()
		}
	}
}
