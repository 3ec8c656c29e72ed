package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	var dest struct {
		Role string `json:"role"`
	}

	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"role":"admin"}`))
	require.NoError(t, ParseJSON(r, &dest))
	assert.Equal(t, "admin", dest.Role)

	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"role":"admin","extra":1}`))
	assert.Error(t, ParseJSON(r, &dest))

	w := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{`))
	assert.False(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tenants/acme", nil)
	r = mux.SetURLVars(r, map[string]string{"tenant_slug": "acme"})

	slug, err := ParsePathString(r, "tenant_slug")
	require.NoError(t, err)
	assert.Equal(t, "acme", slug)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, r, "subject_id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?count=25&deleted=true&bad=x", nil)

	n, err := ParseQueryInt64(r, "count", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	n, err = ParseQueryInt64(r, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	_, err = ParseQueryInt64(r, "bad", 10)
	assert.Error(t, err)

	b, err := ParseQueryBool(r, "deleted", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = ParseQueryBool(r, "bad", false)
	assert.Error(t, err)
}
