package handlers

import (
	"net/http"
	"strconv"

	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/monitor"
)

// ToolCallsHandler returns the caller's recent tool invocations. With a page
// parameter it returns a paginated, searchable view instead.
func ToolCallsHandler(tm *monitor.ToolMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()

		if pageStr := q.Get("page"); pageStr != "" {
			page, _ := strconv.Atoi(pageStr)
			pageSize, _ := strconv.Atoi(q.Get("page_size"))
			logs, total := tm.GetLogsWithPagination(caller.UserID, page, pageSize, q.Get("search"))
			if logs == nil {
				logs = []models.ToolInvocation{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"logs":  logs,
				"total": total,
				"page":  page,
			})
			return
		}

		limit := 100
		if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
			limit = l
		}
		since, _ := strconv.Atoi(q.Get("since_minutes"))
		logs := tm.GetLogs(caller.UserID, limit, since)
		if logs == nil {
			logs = []models.ToolInvocation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":  logs,
			"count": len(logs),
		})
	}
}

// ToolStatsHandler returns the caller's aggregated tool statistics.
func ToolStatsHandler(tm *monitor.ToolMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":   tm.UserStats(caller.UserID),
			"enabled": tm.IsEnabled(),
		})
	}
}

// ClearToolCallsHandler deletes the caller's tool invocation history.
func ClearToolCallsHandler(tm *monitor.ToolMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		if err := tm.Clear(caller.UserID); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to clear logs", "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
