package driver

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagebind/chttp/internal/policy"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestShouldRedirect(t *testing.T) {
	follow := Config{Redirect: policy.RedirectFollow()}
	none := Config{Redirect: policy.RedirectNone()}

	assert.True(t, shouldRedirect(follow, http.StatusFound))
	assert.True(t, shouldRedirect(follow, http.StatusPermanentRedirect))
	assert.False(t, shouldRedirect(follow, http.StatusOK))
	assert.False(t, shouldRedirect(none, http.StatusFound))
}

func TestRedirectMethod(t *testing.T) {
	cases := []struct {
		method       string
		status       int
		wantMethod   string
		wantHasBody  bool
	}{
		{http.MethodPost, http.StatusMovedPermanently, http.MethodGet, false},
		{http.MethodPost, http.StatusFound, http.MethodGet, false},
		{http.MethodGet, http.StatusFound, http.MethodGet, true},
		{http.MethodPost, http.StatusSeeOther, http.MethodGet, false},
		{http.MethodPost, http.StatusTemporaryRedirect, http.MethodPost, true},
		{http.MethodPost, http.StatusPermanentRedirect, http.MethodPost, true},
	}
	for _, c := range cases {
		method, hasBody := redirectMethod(c.method, c.status)
		assert.Equal(t, c.wantMethod, method, "method %s status %d", c.method, c.status)
		assert.Equal(t, c.wantHasBody, hasBody, "method %s status %d", c.method, c.status)
	}
}

func TestCopyHeadersForRedirectDropsAuthCrossHost(t *testing.T) {
	prev := http.Header{
		"Authorization": {"Bearer secret"},
		"Cookie":        {"a=b"},
		"Accept":        {"*/*"},
	}
	from := mustURL(t, "http://a.example/start")
	to := mustURL(t, "http://b.example/next")

	next := copyHeadersForRedirect(prev, from, to)
	assert.Empty(t, next.Get("Authorization"))
	assert.Empty(t, next.Get("Cookie"))
	assert.Equal(t, "*/*", next.Get("Accept"))
}

func TestCopyHeadersForRedirectKeepsAuthSameHost(t *testing.T) {
	prev := http.Header{"Authorization": {"Bearer secret"}}
	from := mustURL(t, "http://a.example/start")
	to := mustURL(t, "http://a.example/next")

	next := copyHeadersForRedirect(prev, from, to)
	assert.Equal(t, "Bearer secret", next.Get("Authorization"))
}

func TestRefererForDowngradeBlocked(t *testing.T) {
	from := mustURL(t, "https://secure.example/page")
	to := mustURL(t, "http://insecure.example/next")
	assert.Empty(t, refererFor(from, to))

	to2 := mustURL(t, "https://secure.example/next")
	assert.Equal(t, "https://secure.example/page", refererFor(from, to2))
}

func TestTransportCacheKeyDistinguishesConfig(t *testing.T) {
	a := transportCacheKey(Config{Version: policy.VersionHTTP11})
	b := transportCacheKey(Config{Version: policy.VersionHTTP2PriorKnowledge})
	assert.NotEqual(t, a, b)

	c := transportCacheKey(Config{Version: policy.VersionHTTP11, TLSInsecureSkipVerify: true})
	assert.NotEqual(t, a, c)
}

func TestIdleCacheForZeroDisablesKeepAlive(t *testing.T) {
	settings := idleCacheFor(0)
	assert.True(t, settings.disableKeepAlives)
}

func TestIdleCacheForPositiveSizeBoundsMaxIdle(t *testing.T) {
	settings := idleCacheFor(3)
	assert.False(t, settings.disableKeepAlives)
	assert.LessOrEqual(t, settings.maxIdleConnsPerHost, 8)
	assert.Greater(t, settings.idleConnTimeout, time.Duration(0))
}

func TestNetworkForIPVersion(t *testing.T) {
	assert.Equal(t, "tcp", networkForIPVersion(policy.IPAny))
	assert.Equal(t, "tcp4", networkForIPVersion(policy.IPv4Only))
	assert.Equal(t, "tcp6", networkForIPVersion(policy.IPv6Only))
}
