// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package api

import (
	"net/http"
	"strconv"

	"github.com/tifpoint/tifpoint/internal/audit"
)

type activityLogsResponse struct {
	Logs       []audit.Entry    `json:"logs"`
	Pagination audit.Pagination `json:"pagination"`
}

// queryInt parses a query parameter, treating garbage as absent.
func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func (h *handlers) listActivityLogs(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		ActorID: r.URL.Query().Get("userId"),
		Action:  audit.Action(r.URL.Query().Get("action")),
	}

	logs, page, err := h.audit.List(r.Context(), filter, queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, activityLogsResponse{Logs: logs, Pagination: page})
}
