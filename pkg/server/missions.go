package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docker/execops/pkg/history"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/supervisor"
	"github.com/docker/execops/pkg/version"
)

// RunRequest is the body of POST /api/missions.
type RunRequest struct {
	Code string `json:"code"`
}

// CancelRequest is the optional body of POST /api/missions/cancel.
type CancelRequest struct {
	Marker string `json:"marker,omitempty"`
}

// DeadlineRequest is the body of PUT /api/deadline.
type DeadlineRequest struct {
	DeadlineMs int `json:"deadline_ms"`
}

// MissionResponse is a finished mission as returned to callers.
type MissionResponse struct {
	MissionID  int64           `json:"mission_id"`
	Output     string          `json:"output"`
	Lines      []string        `json:"lines"`
	Outcome    mission.Outcome `json:"outcome"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	Rearms     int             `json:"rearms"`
	Truncated  bool            `json:"truncated,omitempty"`
}

func newMissionResponse(res mission.Result) MissionResponse {
	lines := res.Lines()
	if lines == nil {
		lines = []string{}
	}
	return MissionResponse{
		MissionID:  res.MissionID,
		Output:     res.Output,
		Lines:      lines,
		Outcome:    res.Outcome,
		StartedAt:  res.Started,
		DurationMs: res.Duration.Milliseconds(),
		Rearms:     res.Rearms,
		Truncated:  res.Truncated,
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"active":      s.app.Active(),
		"deadline_ms": s.app.Deadline().Milliseconds(),
		"version":     version.Get().Version,
	})
}

func (s *Server) runMission(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	res, err := s.app.Run(c.Request().Context(), req.Code)
	if err != nil && res.MissionID == 0 {
		return submitError(err)
	}
	return c.JSON(http.StatusOK, newMissionResponse(res))
}

func (s *Server) cancelMission(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": s.app.Cancel(req.Marker)})
}

func (s *Server) listMissions(c echo.Context) error {
	store := s.app.History()
	if store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history is disabled")
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	records, err := store.List(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list missions")
	}
	if records == nil {
		records = []*history.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) getMission(c echo.Context) error {
	store := s.app.History()
	if store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history is disabled")
	}

	rec, err := store.Get(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "mission not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get mission")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) setDeadline(c echo.Context) error {
	var req DeadlineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.app.SetDeadline(time.Duration(req.DeadlineMs) * time.Millisecond); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"deadline_ms": s.app.Deadline().Milliseconds()})
}

func submitError(err error) error {
	switch {
	case errors.Is(err, supervisor.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrUnavailable), errors.Is(err, supervisor.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
