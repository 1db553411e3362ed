package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	renderer, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(renderer.Close)
	require.Equal(t, 2, cap(renderer.limiter))
	require.Equal(t, 45*time.Second, renderer.cfg.NavigationTimeout)
}

func TestRendererNavTimeout(t *testing.T) {
	t.Parallel()

	r := &Renderer{}
	require.Equal(t, 45*time.Second, r.navTimeout(scrape.FetchRequest{}))

	r.cfg.NavigationTimeout = time.Second
	r.cfg.Settle = 3 * time.Second
	require.Equal(t, 4*time.Second, r.navTimeout(scrape.FetchRequest{}))
	require.Equal(t, 13*time.Second, r.navTimeout(scrape.FetchRequest{Timeout: 10 * time.Second}))
}

func TestRendererAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	r := &Renderer{limiter: make(chan struct{}, 1)}
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "Accept": {"text/html"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)
	require.Nil(t, cloneHeader(nil))

	netHeaders := toNetworkHeaders(src)
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "text/html", netHeaders["Accept"])
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	// Subresources never replace the document response.
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}
