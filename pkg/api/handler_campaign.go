package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// maxCSVUploadBytes caps the in-memory portion of a contact CSV upload.
const maxCSVUploadBytes = 32 << 20

// createCampaignHandler handles POST /api/campaigns.
func (s *Server) createCampaignHandler(c *echo.Context) error {
	var req models.CreateCampaignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	campaign, err := s.campaigns.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, campaign)
}

// listCampaignsHandler handles GET /api/campaigns.
func (s *Server) listCampaignsHandler(c *echo.Context) error {
	campaigns, err := s.campaigns.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listEnvelope{
		Items:      campaigns,
		TotalCount: len(campaigns),
	})
}

// getCampaignHandler handles GET /api/campaigns/:id.
func (s *Server) getCampaignHandler(c *echo.Context) error {
	campaign, err := s.campaigns.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaign)
}

// updateCampaignHandler handles PUT /api/campaigns/:id.
func (s *Server) updateCampaignHandler(c *echo.Context) error {
	var req models.UpdateCampaignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	campaign, err := s.campaigns.Update(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaign)
}

// deleteCampaignHandler handles DELETE /api/campaigns/:id.
func (s *Server) deleteCampaignHandler(c *echo.Context) error {
	if err := s.campaigns.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// startCampaignHandler handles POST /api/campaigns/:id/start.
func (s *Server) startCampaignHandler(c *echo.Context) error {
	campaign, err := s.campaigns.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaign)
}

// pauseCampaignHandler handles POST /api/campaigns/:id/pause.
func (s *Server) pauseCampaignHandler(c *echo.Context) error {
	campaign, err := s.campaigns.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaign)
}

// resumeCampaignHandler handles POST /api/campaigns/:id/resume.
func (s *Server) resumeCampaignHandler(c *echo.Context) error {
	campaign, err := s.campaigns.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaign)
}

// stopCampaignHandler handles POST /api/campaigns/:id/stop.
func (s *Server) stopCampaignHandler(c *echo.Context) error {
	campaign, err := s.campaigns.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaign)
}

// addContactsHandler handles POST /api/campaigns/:id/contacts.
func (s *Server) addContactsHandler(c *echo.Context) error {
	var req AddContactsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if len(req.Contacts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "contacts list is empty")
	}

	added, total, err := s.campaigns.AddContacts(c.Request().Context(), c.Param("id"), req.Contacts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AddContactsResponse{Added: len(added), TotalContacts: total})
}

// startFromCSVHandler handles POST /api/campaigns/start-from-csv. The body
// is multipart form data: a "file" part with the contact CSV, a "name"
// field, and an optional "settings" field carrying the campaign settings as
// a JSON object.
func (s *Server) startFromCSVHandler(c *echo.Context) error {
	r := c.Request()
	if err := r.ParseMultipartForm(maxCSVUploadBytes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart body: "+err.Error())
	}

	name := r.FormValue("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	var settings models.CampaignSettings
	if raw := r.FormValue("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid settings: "+err.Error())
		}
	} else {
		// Flat form fields cover clients that cannot nest JSON in multipart.
		settings.DialerPrompt = r.FormValue("prompt")
		settings.FirstMessage = r.FormValue("firstMessage")
		settings.CallerID = r.FormValue("callerId")
		if v := r.FormValue("maxConcurrentCalls"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid maxConcurrentCalls")
			}
			settings.MaxConcurrentCalls = n
		}
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "csv file is required")
	}
	defer f.Close()

	campaign, err := s.campaigns.StartFromCSV(c.Request().Context(), name, settings, f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, campaign)
}
