package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "github.com/stwalsh4118/canopy/internal/errors"
	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/ingest"
	"github.com/stwalsh4118/canopy/internal/middleware"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/services"
)

// IngestHandler triggers ingestion runs over HTTP. Runs are synchronous:
// the response is written once every requested table has been attempted.
type IngestHandler struct {
	service services.IngestService
}

// NewIngestHandler creates a new IngestHandler instance.
func NewIngestHandler(service services.IngestService) *IngestHandler {
	return &IngestHandler{
		service: service,
	}
}

// TableReport is the per-table part of an ingest response.
type TableReport struct {
	Dropped map[string]int64 `json:"dropped,omitempty"`
	Error   string           `json:"error,omitempty"`
	Rows    int64            `json:"rows"`
	Seconds float64          `json:"seconds"`
}

// IngestResponse is the body of every ingest run, whatever its outcome.
type IngestResponse struct {
	StartedAt  time.Time              `json:"started_at"`
	Tables     map[string]TableReport `json:"tables"`
	RunID      string                 `json:"run_id"`
	Kind       string                 `json:"kind"`
	Region     string                 `json:"region"`
	Outcome    string                 `json:"outcome"`
	Skipped    []string               `json:"skipped_tables,omitempty"`
	RegionCode int                    `json:"region_code"`
}

// Tabular handles POST /api/v1/ingest/:region.
// The optional tables query parameter is a comma separated list, and may
// also be repeated.
func (h *IngestHandler) Tabular(c *gin.Context) {
	var tables []string
	for _, v := range c.QueryArray("tables") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tables = append(tables, name)
			}
		}
	}

	h.run(c, func(ctx context.Context, identifier string) (*ingest.Summary, error) {
		return h.service.IngestRegion(ctx, identifier, tables)
	})
}

// Climate handles POST /api/v1/ingest/:region/climate.
func (h *IngestHandler) Climate(c *gin.Context) {
	h.run(c, h.service.IngestClimate)
}

// Boundaries handles POST /api/v1/ingest/:region/boundaries.
func (h *IngestHandler) Boundaries(c *gin.Context) {
	h.run(c, h.service.IngestBoundaries)
}

func (h *IngestHandler) run(c *gin.Context, start func(context.Context, string) (*ingest.Summary, error)) {
	identifier := c.Param("region")

	sum, err := start(c.Request.Context(), identifier)
	if err != nil {
		var unknownTables *services.UnknownTablesError
		switch {
		case errors.Is(err, region.ErrUnknownRegion):
			apierrors.UnknownRegion(c, identifier)
		case errors.As(err, &unknownTables):
			apierrors.UnknownTable(c, unknownTables.Tables, h.service.SupportedTables())
		case errors.Is(err, services.ErrRunInProgress):
			apierrors.Conflict(c, "Region "+strings.ToUpper(identifier)+" is already being ingested")
		default:
			apierrors.InternalServerError(c, "Failed to start ingest", err)
		}
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Debug("Ingest run finished", map[string]interface{}{
			"run_id":  sum.RunID,
			"outcome": sum.Outcome(),
		})
	}
	if runErr := sum.Err(); runErr != nil {
		_ = c.Error(runErr)
	}

	c.JSON(statusFor(sum), toIngestResponse(sum))
}

// statusFor maps a run outcome to a status code. A run where every table
// failed reports 502 when each failure traces back to the remote source,
// counting tables skipped because their parent failed as following it.
func statusFor(sum *ingest.Summary) int {
	switch sum.Outcome() {
	case ingest.OutcomeSuccess:
		return http.StatusOK
	case ingest.OutcomePartial:
		return http.StatusMultiStatus
	}

	upstream := false
	for _, name := range sum.Failed() {
		err := sum.Tables[name].Err
		switch {
		case errors.Is(err, ingest.ErrSkipped):
		case errors.Is(err, fetch.ErrFetchFailed), errors.Is(err, fetch.ErrArchiveFormat):
			upstream = true
		default:
			return http.StatusInternalServerError
		}
	}
	if upstream {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func toIngestResponse(sum *ingest.Summary) IngestResponse {
	tables := make(map[string]TableReport, len(sum.Tables))
	for name, res := range sum.Tables {
		report := TableReport{
			Rows:    res.Rows,
			Seconds: res.Seconds,
			Dropped: res.Dropped,
		}
		if res.Err != nil {
			report.Error = res.Err.Error()
		}
		tables[name] = report
	}

	return IngestResponse{
		RunID:      sum.RunID,
		Kind:       sum.Kind,
		Region:     sum.Region,
		RegionCode: sum.Code,
		StartedAt:  sum.StartedAt,
		Outcome:    sum.Outcome(),
		Skipped:    sum.Unknown,
		Tables:     tables,
	}
}
