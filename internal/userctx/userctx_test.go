package userctx

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buffquant/buffrun/internal/apperr"
)

func TestResolveHeaderAndDefault(t *testing.T) {
	rv := NewResolver("fallback", "")

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set(HeaderUser, "alice")
	user, err := rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	r = httptest.NewRequest("GET", "/api/v1/runs", nil)
	user, err = rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "fallback", user)
}

func TestResolveMissingAndInvalid(t *testing.T) {
	rv := NewResolver("", "")

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	_, err := rv.Resolve(r)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUserMissing, apperr.As(err).Code)

	r.Header.Set(HeaderUser, "../etc")
	_, err = rv.Resolve(r)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUserInvalid, apperr.As(err).Code)
}

func TestResolveHMAC(t *testing.T) {
	rv := NewResolver("", "s3cret")
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rv.Now = func() time.Time { return now }
	ts := strconv.FormatInt(now.Unix(), 10)

	r := httptest.NewRequest("GET", "/api/v1/runs?page=2", nil)
	r.Header.Set(HeaderUser, "alice")
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderAuth, Sign("s3cret", "alice", "GET", "/api/v1/runs", ts))

	user, err := rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	// Uppercase hex is accepted on input.
	r.Header.Set(HeaderAuth, strings.ToUpper(Sign("s3cret", "alice", "GET", "/api/v1/runs", ts)))
	_, err = rv.Resolve(r)
	assert.NoError(t, err)
}

func TestResolveHMACRejections(t *testing.T) {
	rv := NewResolver("", "s3cret")
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rv.Now = func() time.Time { return now }
	ts := strconv.FormatInt(now.Unix(), 10)

	build := func(mutate func(r *http.Request)) *http.Request {
		r := httptest.NewRequest("GET", "/api/v1/runs", nil)
		r.Header.Set(HeaderUser, "alice")
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderAuth, Sign("s3cret", "alice", "GET", "/api/v1/runs", ts))
		if mutate != nil {
			mutate(r)
		}
		return r
	}

	cases := []struct {
		name   string
		mutate func(r *http.Request)
		code   string
	}{
		{"no signature", func(r *http.Request) { r.Header.Del(HeaderAuth) }, apperr.CodeAuthMissing},
		{"no timestamp", func(r *http.Request) { r.Header.Del(HeaderTimestamp) }, apperr.CodeTimestampMissing},
		{"garbage timestamp", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "noon") }, apperr.CodeTimestampInvalid},
		{"stale timestamp", func(r *http.Request) {
			old := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
			r.Header.Set(HeaderTimestamp, old)
			r.Header.Set(HeaderAuth, Sign("s3cret", "alice", "GET", "/api/v1/runs", old))
		}, apperr.CodeTimestampInvalid},
		{"wrong secret", func(r *http.Request) {
			r.Header.Set(HeaderAuth, Sign("other", "alice", "GET", "/api/v1/runs", ts))
		}, apperr.CodeAuthInvalid},
		{"wrong path", func(r *http.Request) {
			r.Header.Set(HeaderAuth, Sign("s3cret", "alice", "GET", "/api/v1/other", ts))
		}, apperr.CodeAuthInvalid},
	}
	for _, tc := range cases {
		_, err := rv.Resolve(build(tc.mutate))
		require.Error(t, err, tc.name)
		assert.Equal(t, tc.code, apperr.As(err).Code, tc.name)
	}
}

func TestCanonicalPath(t *testing.T) {
	assert.Equal(t, "/api/v1/runs", CanonicalPath("/api/v1/runs/"))
	assert.Equal(t, "/api/v1/runs", CanonicalPath("/api/v1/runs?page=1"))
	assert.Equal(t, "/", CanonicalPath("/"))
	assert.Equal(t, "/", CanonicalPath(""))
}

func TestSignTrailingSlashEquivalence(t *testing.T) {
	a := Sign("k", "alice", "get", "/api/v1/runs/", "100")
	b := Sign("k", "alice", "GET", "/api/v1/runs", "100")
	assert.Equal(t, a, b)
}
