package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	mc := NewMultiChecker(healthy)
	assert.NoError(t, mc.Check())

	mc.Add(CheckerFunc(func() error { return errors.New("redis unreachable") }))
	mc.Add(CheckerFunc(func() error { return errors.New("database unreachable") }))
	err := mc.Check()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis unreachable")
	assert.Contains(t, err.Error(), "database unreachable")
}

func TestStartupCompleteChecker(t *testing.T) {
	c := NewStartupCompleteChecker()
	assert.Error(t, c.Check())
	c.MarkComplete()
	assert.NoError(t, c.Check())
}

func TestHttpHandler(t *testing.T) {
	c := NewStartupCompleteChecker()
	mux := http.NewServeMux()
	SetupHttpMux(mux, c)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "startup is not complete")

	c.MarkComplete()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
