package audit

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/gatehouselabs/gatehouse/pkg/httputil"
)

// Handlers serves the audit query API. It binds to the internal listener:
// the events record who logged in from where, which is operator material,
// never client material.
type Handlers struct {
	store Store
}

// NewHandlers creates the query API over a store.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes mounts the query API.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/audit/export", h.exportEvents).Methods("GET")
	router.HandleFunc("/audit/stats", h.getStats).Methods("GET")
}

// listEvents handles GET /audit/events.
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, fmt.Errorf("audit search failed"))
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getEvent handles GET /audit/events/{id}.
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "event ID must be an integer")
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, fmt.Errorf("audit lookup failed"))
		return
	}
	if event == nil {
		httputil.WriteNotFoundError(w, "event not found")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, event)
}

// exportEvents handles GET /audit/export, answering a download in the
// requested format.
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}
	switch format {
	case ExportFormatJSON, ExportFormatCSV, ExportFormatNDJSON:
	default:
		httputil.WriteBadRequest(w, fmt.Sprintf("unsupported export format %q", format))
		return
	}

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteInternalError(w, fmt.Errorf("audit export failed"))
		return
	}

	contentType, filename := exportHeaders(format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Write(data)
}

// getStats handles GET /audit/stats.
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	startTime, err := timeFromQuery(query, "start_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	endTime, err := timeFromQuery(query, "end_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := h.store.GetStats(r.Context(), startTime, endTime)
	if err != nil {
		httputil.WriteInternalError(w, fmt.Errorf("audit stats failed"))
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, stats)
}

func exportHeaders(format ExportFormat) (contentType, filename string) {
	switch format {
	case ExportFormatCSV:
		return "text/csv", "audit-events.csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson", "audit-events.ndjson"
	default:
		return "application/json", "audit-events.json"
	}
}

// filterFromQuery builds a search filter from query parameters. Unlike the
// write path, bad input here is rejected rather than ignored: an operator
// mistyping a timestamp should learn about it, not get misleading results.
func filterFromQuery(query url.Values) (SearchFilter, error) {
	filter := SearchFilter{
		Limit:     100,
		SortOrder: "desc",
	}

	startTime, err := timeFromQuery(query, "start_time")
	if err != nil {
		return filter, err
	}
	filter.StartTime = startTime

	endTime, err := timeFromQuery(query, "end_time")
	if err != nil {
		return filter, err
	}
	filter.EndTime = endTime

	filter.Provider = query.Get("provider")
	filter.UserID = query.Get("user_id")
	filter.ExternalID = query.Get("external_id")
	filter.IPAddress = query.Get("ip_address")
	filter.Path = query.Get("path")

	for _, name := range splitList(query.Get("event_types")) {
		filter.EventTypes = append(filter.EventTypes, EventType(name))
	}
	if status := query.Get("status"); status != "" {
		s := EventStatus(status)
		filter.Status = &s
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("offset must not be negative")
		}
		filter.Offset = offset
	}

	filter.SortBy = query.Get("sort_by")
	if order := query.Get("sort_order"); order != "" {
		filter.SortOrder = order
	}

	return filter, nil
}

func timeFromQuery(query url.Values, key string) (*time.Time, error) {
	raw := query.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

// splitList splits a comma-separated parameter, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if val := strings.TrimSpace(part); val != "" {
			parts = append(parts, val)
		}
	}
	return parts
}
