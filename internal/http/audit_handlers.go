package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
)

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := audit.Query{
		UserID:       q.Get("userId"),
		StudentID:    q.Get("studentId"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resourceType"),
	}
	if v := q.Get("startDate"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date")
			return
		}
		query.Start = parsed
	}
	if v := q.Get("endDate"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date")
			return
		}
		query.End = parsed
	}
	if v := q.Get("complianceRelevant"); v != "" {
		relevant, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_compliance_flag")
			return
		}
		query.ComplianceRelevant = &relevant
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		query.Limit = limit
	}

	entries, err := s.reporter.Query(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	regime := chi.URLParam(r, "regime")

	end := time.Now().UTC()
	start := end.AddDate(0, -1, 0)
	if v := r.URL.Query().Get("startDate"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date")
			return
		}
		start = parsed
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date")
			return
		}
		end = parsed
	}

	report, err := s.reporter.GenerateReport(r.Context(), regime, start, end)
	if err != nil {
		if errors.Is(err, audit.ErrUnknownRegime) {
			writeError(w, http.StatusBadRequest, "unknown_regime")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	claims := claimsFromContext(r.Context())
	s.audit(r, audit.Entry{
		Action:       "compliance_report_generated",
		ResourceType: "system",
		UserID:       claims.UserID,
		Details:      map[string]any{"regime": regime},
	})
	writeJSON(w, http.StatusOK, report)
}
