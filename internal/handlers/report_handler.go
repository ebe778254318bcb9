package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "financemate/internal/errors"
	"financemate/internal/services"
)

// ReportHandler handles financial report requests.
type ReportHandler struct {
	reportService services.ReportServicer
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(reportService services.ReportServicer) *ReportHandler {
	return &ReportHandler{reportService: reportService}
}

// GetReport handles report generation
// @Summary     Get financial report
// @Description Aggregate settled income/expense totals, top expense categories, goal progress, and a daily timeline over a date range. Defaults to the last 30 days.
// @Tags        reports
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       from_date query string false "Range start (RFC3339 or YYYY-MM-DD, default 30 days ago)"
// @Param       to_date   query string false "Range end (RFC3339 or YYYY-MM-DD, default today)"
// @Success     200 {object} services.Report "Financial report"
// @Failure     400 {object} ErrorResponse "Invalid date range"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /reports [get]
func (h *ReportHandler) GetReport(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	end := time.Now()
	start := end.AddDate(0, 0, -30)

	if v := c.Query("from_date"); v != "" {
		t, parseErr := parseFlexibleTime(v)
		if parseErr != nil {
			respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, "invalid from_date format, use RFC3339 or YYYY-MM-DD"))
			return
		}
		start = t
	}
	if v := c.Query("to_date"); v != "" {
		t, parseErr := parseFlexibleTime(v)
		if parseErr != nil {
			respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, "invalid to_date format, use RFC3339 or YYYY-MM-DD"))
			return
		}
		end = t
	}

	report, err := h.reportService.GenerateReport(userID, start, end)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
