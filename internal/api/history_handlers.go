package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/site-audit/internal/scan"
)

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, scan.DefaultListLimit, scan.MaxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := scan.JobFilter{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := scan.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = status
	}
	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]historyItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newHistoryItem(job))
	}
	writeJSON(w, http.StatusOK, historyResponse{Jobs: items, Limit: limit, Offset: offset})
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	filter, err := parsePageFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.jobs.GetJob(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	pages, err := s.jobs.ListPages(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPagesView(jobID, pages, filter))
}

type pageFilter string

const (
	pageFilterAll         pageFilter = "all"
	pageFilterSelected    pageFilter = "selected"
	pageFilterNotSelected pageFilter = "not_selected"
)

func (f pageFilter) keep(p scan.Page) bool {
	switch f {
	case pageFilterSelected:
		return p.Selected()
	case pageFilterNotSelected:
		return !p.Selected()
	default:
		return true
	}
}

// parsePageFilter reads filter=all|selected|not_selected. selected_only=true
// is accepted as shorthand for filter=selected.
func parsePageFilter(r *http.Request) (pageFilter, error) {
	q := r.URL.Query()
	if raw := q.Get("selected_only"); raw != "" {
		only, err := strconv.ParseBool(raw)
		if err != nil {
			return "", errors.New("invalid selected_only")
		}
		if only {
			return pageFilterSelected, nil
		}
	}
	switch f := pageFilter(strings.ToLower(q.Get("filter"))); f {
	case "", pageFilterAll:
		return pageFilterAll, nil
	case pageFilterSelected, pageFilterNotSelected:
		return f, nil
	default:
		return "", errors.New("invalid filter")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
