package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	apierrors "github.com/stwalsh4118/canopy/internal/errors"
	"github.com/stwalsh4118/canopy/internal/middleware"
	"github.com/stwalsh4118/canopy/internal/models"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/services"
)

// RegionHandler serves the read-only lookups that help callers pick a
// region and check what a boundaries load produced.
type RegionHandler struct {
	service services.IngestService
}

// NewRegionHandler creates a new RegionHandler instance.
func NewRegionHandler(service services.IngestService) *RegionHandler {
	return &RegionHandler{
		service: service,
	}
}

// AtPointRequest represents the query parameters for the at-point endpoint.
// Pointers keep a zero coordinate distinguishable from a missing one.
type AtPointRequest struct {
	Lat *float64 `form:"lat" binding:"required,latitude"`
	Lng *float64 `form:"lng" binding:"required,longitude"`
}

// RegionsResponse lists the regions that can be ingested.
type RegionsResponse struct {
	Regions []region.Region `json:"regions"`
	Tables  []string        `json:"tables"`
	Count   int             `json:"count"`
}

// CountyResponse represents the response for the at-point endpoint.
type CountyResponse struct {
	County *CountyData `json:"county"`
}

// CountyData is the county DTO. Geometry marshals as a GeoJSON
// MultiPolygon.
type CountyData struct {
	Geometry models.MultiPolygon `json:"geometry"`
	ALand    *int64              `json:"aland,omitempty"`
	AWater   *int64              `json:"awater,omitempty"`
	GEOID    string              `json:"geoid"`
	Name     string              `json:"name"`
	StateCD  int                 `json:"statecd"`
	CountyCD int                 `json:"countycd"`
}

// Regions handles GET /api/v1/regions.
func (h *RegionHandler) Regions(c *gin.Context) {
	regions := h.service.Regions()
	c.JSON(http.StatusOK, RegionsResponse{
		Regions: regions,
		Tables:  h.service.SupportedTables(),
		Count:   len(regions),
	})
}

// CountyAtPoint handles GET /api/v1/counties/at-point.
func (h *RegionHandler) CountyAtPoint(c *gin.Context) {
	var req AtPointRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			apierrors.ValidationError(c, validationErrors)
			return
		}
		apierrors.BadRequest(c, "Invalid query parameters", nil)
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Info("Processing county at-point request", map[string]interface{}{
			"lat": *req.Lat,
			"lng": *req.Lng,
		})
	}

	county, err := h.service.CountyAtPoint(c.Request.Context(), *req.Lat, *req.Lng)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCoordinates):
			apierrors.BadRequest(c, err.Error(), nil)
		case errors.Is(err, services.ErrCountyNotFound):
			apierrors.NotFound(c, "No county boundary loaded at this location")
		default:
			apierrors.InternalServerError(c, "Failed to query county boundaries", err)
		}
		return
	}

	c.JSON(http.StatusOK, CountyResponse{County: mapCountyToDTO(county)})
}

func mapCountyToDTO(county *models.CountyBoundary) *CountyData {
	if county == nil {
		return nil
	}
	return &CountyData{
		Geometry: county.Geom,
		ALand:    county.ALand,
		AWater:   county.AWater,
		GEOID:    county.GEOID,
		Name:     county.Name,
		StateCD:  county.StateCD,
		CountyCD: county.CountyCD,
	}
}
