package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"phi-deid-gateway/internal/deid"
	"phi-deid-gateway/internal/detector"
	"phi-deid-gateway/internal/gateway"
)

type scrubRequest struct {
	SessionID string       `json:"session_id"`
	Persist   bool         `json:"persist"`
	Fields    []deid.Field `json:"fields"`
}

type scrubResponse struct {
	SessionID      string               `json:"session_id,omitempty"`
	ScrubbedFields map[string]string    `json:"scrubbed_fields"`
	SubMap         deid.SubstitutionMap `json:"sub_map"`
}

type reinjectRequest struct {
	SessionID string               `json:"session_id"`
	Text      string               `json:"text"`
	SubMap    deid.SubstitutionMap `json:"sub_map"`
}

type completeRequest struct {
	SessionID   string       `json:"session_id"`
	Instruction string       `json:"instruction"`
	Fields      []deid.Field `json:"fields"`
}

type completeResponse struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Model     string `json:"model,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.probe(c.Request().Context()))
}

func (s *Server) handleStatus(c echo.Context) error {
	type response struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
		Info
	}
	return c.JSON(http.StatusOK, response{
		Status: "running",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Info:   s.info,
	})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleScrub(c echo.Context) error {
	var req scrubRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := checkFields(req.Fields); err != nil {
		return err
	}
	persist := req.Persist || req.SessionID != ""
	res, err := s.gw.Scrub(c.Request().Context(), requestID(c), req.SessionID, persist, req.Fields)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, scrubResponse{
		SessionID:      res.SessionID,
		ScrubbedFields: res.ScrubbedFields,
		SubMap:         res.SubMap,
	})
}

func (s *Server) handleReInject(c echo.Context) error {
	var req reinjectRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	switch {
	case req.SessionID != "":
		text, err := s.gw.ReInject(requestID(c), req.SessionID, req.Text)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]string{"text": text})
	case req.SubMap != nil:
		return c.JSON(http.StatusOK, map[string]string{"text": s.gw.ReInjectWith(requestID(c), req.Text, req.SubMap)})
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "need session_id or sub_map")
	}
}

func (s *Server) handleComplete(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := checkFields(req.Fields); err != nil {
		return err
	}
	out, err := s.gw.Complete(c.Request().Context(), requestID(c), req.SessionID, req.Instruction, req.Fields)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, completeResponse{SessionID: out.SessionID, Text: out.Text, Model: out.Model})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing session id")
	}
	if err := s.gw.EndSession(requestID(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// checkFields rejects an empty request. Name checks belong to the engine and
// come back as ErrInvalidFields.
func checkFields(fields []deid.Field) error {
	if len(fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fields must not be empty")
	}
	return nil
}

// httpError maps gateway errors to HTTP responses. Unavailability always
// carries the fixed user-facing message.
func httpError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrServiceUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, detector.UnavailableMessage)
	case errors.Is(err, gateway.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found or expired")
	case errors.Is(err, gateway.ErrUpstream):
		return echo.NewHTTPError(http.StatusBadGateway, "LLM request failed")
	case errors.Is(err, gateway.ErrInvalidFields):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
