package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLogsReturnsNDJSONLinesAsJSONArray(t *testing.T) {
	sessions := session.New(t.TempDir(), nil)
	sid := "sess-1"

	logPath := sessions.LogPath(sid)
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte(
		`{"level":"info","msg":"step 1"}`+"\n"+`{"level":"error","msg":"step 2"}`+"\n",
	), 0o644))

	router := NewRouter(&Service{Sessions: sessions})

	req := httptest.NewRequest(http.MethodGet, "/admin/logs/"+sid, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var lines []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	require.Len(t, lines, 2)
	assert.Equal(t, "step 1", lines[0]["msg"])
}

func TestHandleLogsFiltersByJSONPath(t *testing.T) {
	sessions := session.New(t.TempDir(), nil)
	sid := "sess-2"

	logPath := sessions.LogPath(sid)
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte(
		`{"level":"info","msg":"step 1"}`+"\n"+`{"level":"error","msg":"step 2"}`+"\n",
	), 0o644))

	router := NewRouter(&Service{Sessions: sessions})

	req := httptest.NewRequest(http.MethodGet, "/admin/logs/"+sid+"?path="+"$[?(@.level=='error')]", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var filtered []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "step 2", filtered[0]["msg"])
}

func TestHandleLogsMissingSessionReturnsNotFound(t *testing.T) {
	sessions := session.New(t.TempDir(), nil)
	router := NewRouter(&Service{Sessions: sessions})

	req := httptest.NewRequest(http.MethodGet, "/admin/logs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAuditWithoutConfiguredDatabaseReturnsNull(t *testing.T) {
	audit, err := obslog.NewAuditWriter("", nil)
	require.NoError(t, err)

	router := NewRouter(&Service{Audit: audit})

	req := httptest.NewRequest(http.MethodGet, "/admin/audit?sid=sess-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", rec.Body.String())
}
