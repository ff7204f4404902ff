package headless

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2, StaleRetries: -4})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.Equal(t, 2, cap(fetcher.slots))
	require.Equal(t, 45*time.Second, fetcher.cfg.NavigationTimeout)
	require.Zero(t, fetcher.cfg.StaleRetries)
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-None": {}})
	require.Equal(t, "a, b", got["X-Test"])
	require.Equal(t, "1", got["X-One"])
	require.NotContains(t, got, "X-None")
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500, URL: "https://example.com/logo.png"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example.net/frame"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)
}

func TestResponseMetaFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	require.True(t, isStale(errors.New("Execution context was destroyed.")))
	require.True(t, isStale(errors.New("could not find node with given id")))
	require.False(t, isStale(errors.New("net::ERR_NAME_NOT_RESOLVED")))
}
