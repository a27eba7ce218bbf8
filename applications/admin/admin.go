// Package admin implements the operator-facing sub-surface spec §9 names:
// session log inspection and audit-trail querying, mounted under /admin.
// Unlike applications/httpapi's gorilla/mux router, this surface is built on
// gin — the teacher lists gin-gonic/gin in its go.mod but never imports it,
// so this package is where that dependency finally earns its place.
package admin

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/PaesslerAG/jsonpath"
	"github.com/gin-gonic/gin"

	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/session"
)

// Service holds the admin surface's collaborators.
type Service struct {
	Sessions *session.Store
	Audit    *obslog.AuditWriter
}

// NewRouter builds a gin.Engine mounting every /admin route.
func NewRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	admin := router.Group("/admin")
	admin.GET("/logs/:sid", handleLogs(svc))
	admin.GET("/audit", handleAudit(svc))

	return router
}

// handleLogs serves a session's logs.jsonl as a JSON array, one element per
// NDJSON line, optionally filtered by a JSONPath expression given in the
// ?path= query parameter (e.g. "$[?(@.level=='error')]").
func handleLogs(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param("sid")
		path := svc.Sessions.LogPath(sid)

		f, err := os.Open(path)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no log for session"})
			return
		}
		defer f.Close()

		var lines []interface{}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var entry interface{}
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}
			lines = append(lines, entry)
		}

		result, err := filterJSONPath(c.Query("path"), lines)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// handleAudit serves audit rows for an optional ?sid=, capped by ?limit=
// (default 100), optionally filtered by a JSONPath expression in ?path=.
func handleAudit(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}

		rows, err := svc.Audit.Query(c.Request.Context(), c.Query("sid"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Round-trip through interface{} so jsonpath.Get (which expects
		// generic maps/slices, not typed structs) can walk the result.
		raw, err := json.Marshal(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items, _ := generic.([]interface{})
		result, err := filterJSONPath(c.Query("path"), items)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// filterJSONPath evaluates expr against items when expr is non-empty,
// otherwise returns items unfiltered.
func filterJSONPath(expr string, items []interface{}) (interface{}, error) {
	if expr == "" {
		return items, nil
	}
	return jsonpath.Get(expr, items)
}
