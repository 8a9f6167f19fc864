package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/ingest"
	"github.com/JakeFAU/cragwatch/internal/safety"
	"github.com/JakeFAU/cragwatch/internal/store"
)

const (
	dateLayout          = "2006-01-02"
	defaultPrecipDays   = 14
	maxPrecipRangeDays  = 366
	defaultSummaryDays  = 7
	maxSummaryDays      = 90
	defaultForecastDays = 7
)

// listAreas handles GET /v1/areas?parent_id=. Without parent_id it lists the
// roots of the tree.
func (s *Server) listAreas(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	var parent *string
	if p := r.URL.Query().Get("parent_id"); p != "" {
		parent = &p
	}
	areas, err := s.deps.Repo.ListChildren(r.Context(), parent)
	if err != nil {
		s.fail(w, r, "list areas", err)
		return
	}
	if areas == nil {
		areas = []area.Area{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"areas": areas})
}

func (s *Server) listCrags(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	crags, err := s.deps.Repo.ListCrags(r.Context())
	if err != nil {
		s.fail(w, r, "list crags", err)
		return
	}
	if crags == nil {
		crags = []area.Area{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crags": crags})
}

func (s *Server) getArea(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	node, err := store.GetNode(r.Context(), s.deps.Repo, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get area", err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) getAncestors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	chain, err := store.Ancestors(r.Context(), s.deps.Repo, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get ancestors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ancestors": chain})
}

// getPrecipitation handles GET /v1/areas/{id}/precipitation?from=&to=.
// Dates are YYYY-MM-DD; the range defaults to the last two weeks.
func (s *Server) getPrecipitation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	to := area.Day(s.clock.Now())
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -defaultPrecipDays)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		from = parsed
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}
	if area.DaysBetween(from, to) > maxPrecipRangeDays {
		writeError(w, http.StatusBadRequest, "date range too large")
		return
	}

	if _, err := s.deps.Repo.GetArea(r.Context(), id); err != nil {
		s.fail(w, r, "get area", err)
		return
	}
	recs, err := s.deps.Repo.ListPrecipitation(r.Context(), id, from, to)
	if err != nil {
		s.fail(w, r, "list precipitation", err)
		return
	}
	if recs == nil {
		recs = []area.PrecipitationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"area_id": id,
		"from":    from.Format(dateLayout),
		"to":      to.Format(dateLayout),
		"records": recs,
	})
}

func (s *Server) getWeatherSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Summarizer == nil {
		writeError(w, http.StatusServiceUnavailable, "weather summary unavailable")
		return
	}
	days, err := parseDays(r, defaultSummaryDays, maxSummaryDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.deps.Summarizer.Summarize(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		s.fail(w, r, "weather summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) getSafety(w http.ResponseWriter, r *http.Request) {
	if s.deps.Explainer == nil {
		writeError(w, http.StatusServiceUnavailable, "safety engine unavailable")
		return
	}
	exp, err := s.deps.Explainer.Explain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "explain safety", err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) getForecast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Forecaster == nil {
		writeError(w, http.StatusServiceUnavailable, "forecast unavailable")
		return
	}
	days, err := parseDays(r, defaultForecastDays, safety.MaxHorizonDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fc, err := s.deps.Forecaster.Forecast(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		s.fail(w, r, "forecast", err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) getLastRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run statistics unavailable")
		return
	}
	snap, ok := s.deps.Runs.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no crawl has run yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// parseDays reads the days query parameter, clamping it to maxDays.
func parseDays(r *http.Request, def, maxDays int) (int, error) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return def, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return 0, errors.New("invalid days")
	}
	return min(days, maxDays), nil
}

// fail maps domain errors onto status codes and logs the unexpected ones.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "area not found")
	case errors.Is(err, safety.ErrNotCrag), errors.Is(err, ingest.ErrNotCrag):
		writeError(w, http.StatusUnprocessableEntity, "area has no coordinates")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("%s timed out", op))
	default:
		s.logger.Error(op+" failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
