package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	counts map[string]int
	err    error
}

func (c *countingLimiter) Hit(_ context.Context, owner string, _ time.Time) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.counts[owner]++
	return c.counts[owner], nil
}

type panicLog struct{ errs []error }

func (p *panicLog) LogError(err error, _ string) { p.errs = append(p.errs, err) }

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetOwner(r.Context())))
})

func TestOwnerLoader(t *testing.T) {
	h := OwnerLoader()(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "acme")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?owner=globex", nil))
	assert.Equal(t, "globex", rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{counts: map[string]int{}}
	h := OwnerLoader()(RateLimit(limiter, 2)(ok))

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(OwnerHeader, "acme")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())

	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, do(), "limiter failures let requests through")
}

func TestRecover(t *testing.T) {
	log := &panicLog{}
	h := Recover(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, log.errs, 1)
	assert.Contains(t, log.errs[0].Error(), "boom")
}

func TestLogging_PassesThrough(t *testing.T) {
	h := Logging()(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
