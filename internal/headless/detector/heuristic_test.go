package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scrape.FetchResponse{
		StatusCode: 200,
		Body:       []byte(""),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	for _, body := range []string{
		`<div id="__next"></div>`,
		`<div class="ais-InstantSearch"></div>`,
		`<app-root ng-version="17.0.0"></app-root>`,
	} {
		resp := scrape.FetchResponse{StatusCode: 200, Body: []byte(body)}
		require.True(t, h.ShouldPromote(resp), body)
	}
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	resp := scrape.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_PlainDirectory(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	var b strings.Builder
	b.WriteString("<html><body><h1>Exhibitors</h1><ul>")
	for i := 0; i < 30; i++ {
		b.WriteString(`<li><a href="/c">Company</a></li>`)
	}
	b.WriteString("</ul></body></html>")
	resp := scrape.FetchResponse{StatusCode: 200, Body: []byte(b.String())}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := scrape.FetchResponse{
		StatusCode: 404,
		Body:       []byte("not found"),
	}
	require.False(t, h.ShouldPromote(resp))
}
