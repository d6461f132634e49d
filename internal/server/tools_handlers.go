package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/toolmind/agent/internal/store"
)

func storeErrStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func jsonErr(c echo.Context, status int, err error) error {
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

// listTools handles GET /tools.
func (s *Server) listTools(c echo.Context) error {
	activeOnly := c.QueryParam("active_only") == "true"
	excludeBugged := c.QueryParam("exclude_bugged") == "true"
	category := c.QueryParam("category")

	tools, err := s.store.List(c.Request().Context(), activeOnly, excludeBugged, category)
	if err != nil {
		return jsonErr(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, toolResponses(tools))
}

// getTool handles GET /tools/{id}.
func (s *Server) getTool(c echo.Context) error {
	t, err := s.store.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	return c.JSON(http.StatusOK, toolResponse(t))
}

// getToolByName handles GET /tools/name/{name}.
func (s *Server) getToolByName(c echo.Context) error {
	t, err := s.store.GetByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	return c.JSON(http.StatusOK, toolResponse(t))
}

// createTool handles POST /tools.
func (s *Server) createTool(c echo.Context) error {
	var req CreateToolRequest
	if err := c.Bind(&req); err != nil {
		return jsonErr(c, http.StatusBadRequest, err)
	}
	t, err := s.store.Create(c.Request().Context(), req.toSpec())
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	if err := s.index.Put(t); err != nil {
		s.logger.Printf("index put after create %s: %v", t.ID, err)
	}
	return c.JSON(http.StatusCreated, toolResponse(t))
}

// updateTool handles PUT /tools/{id}.
func (s *Server) updateTool(c echo.Context) error {
	var req UpdateToolRequest
	if err := c.Bind(&req); err != nil {
		return jsonErr(c, http.StatusBadRequest, err)
	}
	t, err := s.store.Update(c.Request().Context(), c.Param("id"), req.toPatch())
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	if err := s.index.Put(t); err != nil {
		s.logger.Printf("index put after update %s: %v", t.ID, err)
	}
	return c.JSON(http.StatusOK, toolResponse(t))
}

// deleteTool handles DELETE /tools/{id}.
func (s *Server) deleteTool(c echo.Context) error {
	id := c.Param("id")
	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	if err := s.index.Remove(id); err != nil {
		s.logger.Printf("index remove after delete %s: %v", id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// deactivateTool handles POST /tools/{id}/deactivate.
func (s *Server) deactivateTool(c echo.Context) error {
	t, err := s.store.Deactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	if err := s.index.Put(t); err != nil {
		s.logger.Printf("index put after deactivate %s: %v", t.ID, err)
	}
	return c.JSON(http.StatusOK, toolResponse(t))
}

// clearBugs handles POST /tools/{id}/clear-bugs.
func (s *Server) clearBugs(c echo.Context) error {
	t, err := s.store.ClearBugs(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	if err := s.index.Put(t); err != nil {
		s.logger.Printf("index put after clear-bugs %s: %v", t.ID, err)
	}
	return c.JSON(http.StatusOK, toolResponse(t))
}

// listBugged handles GET /tools/bugged/list.
func (s *Server) listBugged(c echo.Context) error {
	tools, err := s.store.ListBugged(c.Request().Context())
	if err != nil {
		return jsonErr(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, toolResponses(tools))
}

// searchTools handles GET /tools/search/{query}. limit and threshold fall
// back to the configured search defaults when the caller omits them.
func (s *Server) searchTools(c echo.Context) error {
	query := c.Param("query")

	limit := s.cfg.Search.TopK
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	threshold := s.cfg.Search.Threshold
	if raw := c.QueryParam("threshold"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = f
		}
	}

	results := s.index.Search(c.Request().Context(), query, limit, threshold,
		c.QueryParam("exclude_bugged") == "true", c.QueryParam("active_only") != "false", s.cfg.Search.RecallSize)

	out := make([]SearchResultResponse, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResultResponse{Tool: toolResponse(r.Tool), Score: r.Score})
	}
	return c.JSON(http.StatusOK, out)
}

// executeTool handles POST /tools/{id}/execute.
func (s *Server) executeTool(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return jsonErr(c, http.StatusBadRequest, err)
	}
	result, err := s.store.ExecuteAccounted(c.Request().Context(), s.executor, s.cfg.Agent.BugThreshold, c.Param("id"), req.Args)
	if err != nil {
		return jsonErr(c, http.StatusUnprocessableEntity, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}

// toolExamples handles GET /tools/{id}/examples, returning the usage
// examples stored alongside a tool's spec (an empty list when it has none).
func (s *Server) toolExamples(c echo.Context) error {
	t, err := s.store.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonErr(c, storeErrStatus(err), err)
	}
	if t.Examples == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSONBlob(http.StatusOK, t.Examples)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
