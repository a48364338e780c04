package ui

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHandler(t *testing.T) {
	h, err := Handler()
	require.NoError(t, err)

	code, body := get(t, h, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>cmdassist</title>")

	code, body = get(t, h, "/app.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"/ws"`)

	code, _ = get(t, h, "/missing.js")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "/sessions/01JB8Y6X")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>cmdassist</title>")
}

func TestDistFS(t *testing.T) {
	sub, err := DistFS()
	require.NoError(t, err)

	for _, name := range []string{"index.html", "app.js", "style.css"} {
		f, err := sub.Open(name)
		require.NoError(t, err, name)
		_ = f.Close()
	}
}
