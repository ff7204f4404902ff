package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/pipeline"
	"github.com/JakeFAU/site-audit/internal/progress"
	"github.com/JakeFAU/site-audit/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/site-audit/internal/queue/memory"
	"github.com/JakeFAU/site-audit/internal/scan"
	"github.com/JakeFAU/site-audit/internal/selection"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
)

type sseEvent struct {
	name string
	data string
}

type sseStream struct {
	reader *bufio.Reader
}

func openStream(t *testing.T, baseURL, jobID string) *sseStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/scan/"+jobID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseStream{reader: bufio.NewReader(resp.Body)}
}

// next reads one event. ok is false once the server closes the stream.
func (s *sseStream) next(t *testing.T) (sseEvent, bool) {
	t.Helper()
	var evt sseEvent
	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			return evt, false
		}
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if evt.name != "" {
				return evt, true
			}
		case strings.HasPrefix(line, "event: "):
			evt.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (s *sseStream) expect(t *testing.T, name string) sseEvent {
	t.Helper()
	evt, ok := s.next(t)
	require.True(t, ok, "stream closed before %s event", name)
	require.Equal(t, name, evt.name, evt.data)
	return evt
}

func statusOf(t *testing.T, evt sseEvent) statusView {
	t.Helper()
	var view statusView
	require.NoError(t, json.Unmarshal([]byte(evt.data), &view))
	return view
}

type streamFixture struct {
	store  *progress.Store
	events *sinks.Broadcaster
	orch   *pipeline.Orchestrator
	srv    *httptest.Server
}

func newStreamFixture(t *testing.T, cfg config.Config, live bool) *streamFixture {
	t.Helper()
	f := &streamFixture{events: sinks.NewBroadcaster(0)}
	hub := progress.NewHub(progress.Config{MaxBatchWait: 5 * time.Millisecond}, f.events)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })
	f.store = progress.NewStore(memory.NewJobStore(), hub)

	var err error
	f.orch, err = pipeline.New(pipeline.Deps{
		Store:    f.store,
		Broker:   queueMemory.NewBroker(queueMemory.Config{QueueDepth: 16}, nil),
		Selector: selection.New(nil, time.Second, nil),
	}, pipeline.Config{}, nil)
	require.NoError(t, err)

	var source ProgressSource
	if live {
		source = f.events
	}
	f.srv = httptest.NewServer(NewServer(f.orch, f.store, source, cfg, zap.NewNop()).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *streamFixture) submit(t *testing.T) string {
	t.Helper()
	job, err := f.orch.Submit(context.Background(), scan.Target{URL: "https://example.com"})
	require.NoError(t, err)
	return job.ID
}

func TestStreamFinishedJobSendsSnapshotAndCompletes(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, config.Config{}, true)
	jobID := f.submit(t)
	_, err := f.orch.Cancel(context.Background(), jobID)
	require.NoError(t, err)

	stream := openStream(t, f.srv.URL, jobID)
	view := statusOf(t, stream.expect(t, "progress"))
	require.Equal(t, scan.StatusFailed, view.Status)
	require.Equal(t, pipeline.CancelMessage, view.ErrorMessage)

	end := stream.expect(t, "complete")
	require.JSONEq(t, `{"job_id":"`+jobID+`","status":"failed","final":true}`, end.data)
	_, ok := stream.next(t)
	require.False(t, ok)
}

func TestStreamDeliversLiveTransitions(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, config.Config{Server: config.ServerConfig{StreamPollSeconds: 60}}, true)
	jobID := f.submit(t)

	stream := openStream(t, f.srv.URL, jobID)
	require.Equal(t, scan.StatusQueued, statusOf(t, stream.expect(t, "progress")).Status)
	require.Equal(t, 1, f.events.Subscribers(jobID))

	discovered := 3
	_, err := f.store.TransitionJob(context.Background(), jobID, scan.StatusDiscovering,
		scan.JobPatch{PagesDiscovered: &discovered})
	require.NoError(t, err)
	view := statusOf(t, stream.expect(t, "progress"))
	require.Equal(t, scan.StatusDiscovering, view.Status)
	require.Equal(t, 15, view.ProgressPercent)
	require.Equal(t, 3, view.PagesDiscovered)

	_, err = f.orch.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, statusOf(t, stream.expect(t, "progress")).Status)
	stream.expect(t, "complete")

	require.Eventually(t, func() bool { return f.events.Subscribers(jobID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamPollsStoreWithoutProgressSource(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, config.Config{Server: config.ServerConfig{StreamPollSeconds: 1}}, false)
	jobID := f.submit(t)

	stream := openStream(t, f.srv.URL, jobID)
	stream.expect(t, "progress")
	_, err := f.orch.Cancel(context.Background(), jobID)
	require.NoError(t, err)

	require.Equal(t, scan.StatusFailed, statusOf(t, stream.expect(t, "progress")).Status)
	stream.expect(t, "complete")
}

func TestStreamOutlivesRequestTimeoutAndEndsAtMax(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, config.Config{Server: config.ServerConfig{
		RequestTimeoutSeconds:  1,
		StreamHeartbeatSeconds: 1,
		StreamPollSeconds:      60,
		StreamMaxSeconds:       3,
	}}, true)
	jobID := f.submit(t)

	start := time.Now()
	stream := openStream(t, f.srv.URL, jobID)
	stream.expect(t, "progress")
	require.Less(t, time.Since(start), time.Second, "first event must not wait for the response to finish")

	heartbeats := 0
	for {
		evt, ok := stream.next(t)
		require.True(t, ok, "stream closed without a timeout event")
		if evt.name == "heartbeat" {
			heartbeats++
			continue
		}
		require.Equal(t, "timeout", evt.name)
		require.JSONEq(t, `{"job_id":"`+jobID+`","status":"queued","final":false}`, evt.data)
		break
	}
	require.GreaterOrEqual(t, heartbeats, 1)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestStreamUnknownJob(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, config.Config{}, true)
	for _, id := range []string{"nope", "0190c3a8-7b2e-7cc1-9b4a-3f1d2e5a6b7c"} {
		resp, err := http.Get(f.srv.URL + "/scan/" + id + "/stream")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, id)
	}
	require.Zero(t, f.events.Subscribers("0190c3a8-7b2e-7cc1-9b4a-3f1d2e5a6b7c"))
}
