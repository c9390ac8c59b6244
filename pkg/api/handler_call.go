package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/services"
)

// outboundCallHandler handles POST /api/outbound-call: a single manual dial
// outside any campaign.
func (s *Server) outboundCallHandler(c *echo.Context) error {
	var req OutboundCallRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	call, err := s.calls.InitiateOutbound(c.Request().Context(), services.OutboundCallInput{
		To:           req.To,
		From:         req.From,
		Region:       req.Region,
		Prompt:       req.Prompt,
		FirstMessage: req.FirstMessage,
		Name:         req.Name,
		CampaignID:   req.CampaignID,
		ContactID:    req.ContactID,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, OutboundCallResponse{
		Success: true,
		CallID:  call.ID,
		State:   string(call.State),
	})
}

// listCallsHandler handles GET /api/calls.
func (s *Server) listCallsHandler(c *echo.Context) error {
	filters := models.CallFilters{
		CampaignID: c.QueryParam("campaignId"),
		ContactID:  c.QueryParam("contactId"),
		Limit:      50,
	}
	if v := c.QueryParam("status"); v != "" {
		filters.State = models.CallState(v)
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-200")
		}
		filters.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filters.Offset = n
	}

	calls, total, err := s.calls.List(c.Request().Context(), filters)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listEnvelope{
		Items:      calls,
		TotalCount: total,
		Limit:      filters.Limit,
		Offset:     filters.Offset,
	})
}

// getCallHandler handles GET /api/calls/:id.
func (s *Server) getCallHandler(c *echo.Context) error {
	call, err := s.calls.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, call)
}

// listCallEventsHandler handles GET /api/calls/:id/events.
func (s *Server) listCallEventsHandler(c *echo.Context) error {
	events, err := s.calls.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listEnvelope{
		Items:      events,
		TotalCount: len(events),
	})
}

// getTranscriptHandler handles GET /api/calls/:id/transcript.
func (s *Server) getTranscriptHandler(c *echo.Context) error {
	transcript, err := s.calls.Transcript(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transcript)
}

// terminateCallHandler handles POST /api/calls/:id/terminate.
func (s *Server) terminateCallHandler(c *echo.Context) error {
	callID := c.Param("id")
	if err := s.calls.Terminate(c.Request().Context(), callID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AcceptedResponse{Success: true, Message: "termination requested"})
}

// getRecordingHandler handles GET /api/recordings/:id.
func (s *Server) getRecordingHandler(c *echo.Context) error {
	rec, err := s.calls.Recording(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// streamRecordingHandler handles GET /api/media/recordings/:id. The audio
// bytes are proxied from the provider so dashboard clients never need
// provider credentials.
func (s *Server) streamRecordingHandler(c *echo.Context) error {
	rc, contentType, err := s.calls.OpenRecording(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return c.Stream(http.StatusOK, contentType, rc)
}
