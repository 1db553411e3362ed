package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

func TestFetcherGetReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("X-Resp", "ok")
		_, _ = w.Write([]byte("<html>exhibitors</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "fair-agent", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), scrape.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"Accept": {"text/html"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>exhibitors</html>", string(resp.Body))
	require.Equal(t, "ok", resp.Headers.Get("X-Resp"))
	require.Equal(t, "fair-agent", gotUA)
	require.Equal(t, "text/html", gotAccept)
}

func TestFetcherRequestUserAgentOverridesConfig(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "fair-agent"})
	_, err := f.Fetch(context.Background(), scrape.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"User-Agent": {"Mozilla/5.0"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Mozilla/5.0", gotUA)
}

func TestFetcherPostSendsJSONBody(t *testing.T) {
	t.Parallel()

	var gotBody, gotType, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New(Config{})
	payload := []byte(`[{"indexName":"stands_relevance"}]`)
	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), scrape.FetchRequest{
			URL:     srv.URL + "/widgets?language=es",
			Method:  http.MethodPost,
			Body:    payload,
			Headers: http.Header{"Content-Type": {"application/json"}},
		})
		require.NoError(t, err, "attempt %d", i)
		require.Equal(t, `{"ok":true}`, string(resp.Body))
	}
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "application/json", gotType)
	require.Equal(t, string(payload), gotBody)
}

func TestFetcherReturnsErrorStatusWithoutError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), scrape.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "blocked", string(resp.Body))
}

func TestFetcherHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, scrape.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{err: errors.New("throttled")}
	f := New(Config{Limiter: limiter})
	_, err := f.Fetch(context.Background(), scrape.FetchRequest{URL: "http://127.0.0.1:1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "throttled")
	require.Equal(t, []string{"http://127.0.0.1:1"}, limiter.urls)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	start := time.Unix(0, 0)
	var result scrape.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestRequestTimeoutPrecedence(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	require.Equal(t, 15*time.Second, f.requestTimeout(scrape.FetchRequest{}))
	f = New(Config{Timeout: 3 * time.Second})
	require.Equal(t, 3*time.Second, f.requestTimeout(scrape.FetchRequest{}))
	require.Equal(t, time.Second, f.requestTimeout(scrape.FetchRequest{Timeout: time.Second}))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type stubLimiter struct {
	err  error
	urls []string
}

func (s *stubLimiter) Wait(_ context.Context, url string) error {
	s.urls = append(s.urls, url)
	return s.err
}
