package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/toolmind/agent/internal/agent"
	"github.com/toolmind/agent/internal/orchestrator"
)

var errMirrorDisabled = errors.New("stream mirror is not enabled (storage.redis.enabled=false)")

func toAgentHistory(turns []HistoryTurn) []agent.HistoryTurn {
	out := make([]agent.HistoryTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, agent.HistoryTurn{Question: t.Question, Answer: t.Answer})
	}
	return out
}

func askOptions(req AskRequest) orchestrator.Options {
	opts := orchestrator.Options{History: toAgentHistory(req.History)}
	if req.Options != nil {
		opts.IterMax = req.Options.IterMax
		if req.Options.TMax > 0 {
			opts.TMax = time.Duration(req.Options.TMax) * time.Second
		}
	}
	return opts
}

// askSync handles POST /ask: runs a question to completion and returns its
// terminal event as a single JSON response.
func (s *Server) askSync(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return jsonErr(c, http.StatusBadRequest, err)
	}
	if req.Question == "" {
		return jsonErr(c, http.StatusBadRequest, errEmptyQuestion)
	}

	ev, err := s.orchestrator.AskSync(c.Request().Context(), req.Question, askOptions(req))
	resp := AskResponse{Answer: ev.Answer, Confidence: ev.Confidence, Iterations: ev.Iterations}
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusOK, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// askStream handles GET /ask/stream: starts a run and pushes its ordered
// event trace to the client as Server-Sent Events until the run reaches a
// terminal state or the client disconnects.
func (s *Server) askStream(c echo.Context) error {
	question := c.QueryParam("question")
	if question == "" {
		return jsonErr(c, http.StatusBadRequest, errEmptyQuestion)
	}

	req := AskRequest{Question: question}
	if it := c.QueryParam("iter_max"); it != "" {
		if n, err := strconv.Atoi(it); err == nil {
			req.Options = &AskOptions{IterMax: n}
		}
	}

	run := s.orchestrator.Ask(c.Request().Context(), question, askOptions(req))
	s.runs.add(run)
	defer s.runs.remove(run.ID)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-ID", run.ID)
	w.WriteHeader(http.StatusOK)

	for ev := range run.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Printf("ask stream %s: marshal event: %v", run.ID, err)
			continue
		}
		if _, err := w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(payload) + "\n\n")); err != nil {
			return nil
		}
		w.Flush()
	}
	return nil
}

// pollAsk handles GET /ask/poll: for a client that prefers polling over
// holding an SSE/WebSocket connection open, this drains events the Redis
// stream mirror has buffered since the last poll. Requires the mirror
// (storage.redis.enabled) to be configured.
func (s *Server) pollAsk(c echo.Context) error {
	if s.mirror == nil {
		return jsonErr(c, http.StatusNotFound, errMirrorDisabled)
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	events, err := s.mirror.Poll(c.Request().Context(), limit)
	if err != nil {
		return jsonErr(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, events)
}

// askStreamLag handles GET /ask/stream/lag: reports how far the mirror's
// replay consumer group has fallen behind, for operational monitoring of
// the polling/reconnect path.
func (s *Server) askStreamLag(c echo.Context) error {
	if s.mirror == nil {
		return jsonErr(c, http.StatusNotFound, errMirrorDisabled)
	}
	lag, err := s.mirror.LagMetrics(c.Request().Context())
	if err != nil {
		return jsonErr(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, lag)
}

// cancelAsk handles DELETE /ask/{id}, cancelling an in-flight run.
func (s *Server) cancelAsk(c echo.Context) error {
	id := c.Param("id")
	if !s.runs.cancel(id) {
		return jsonErr(c, http.StatusNotFound, errRunNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}
