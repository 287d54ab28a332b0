package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// ackServer is a single-job worker that acknowledges every submission, or
// rejects everything when broken.
type ackServer struct {
	mu       sync.Mutex
	broken   bool
	received []string
	server   *httptest.Server
}

func newAckServer(broken bool) *ackServer {
	s := &ackServer{broken: broken}
	s.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render-video" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		if s.broken {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		s.mu.Lock()
		s.received = append(s.received, p.JobID())
		s.mu.Unlock()
		rw.WriteHeader(http.StatusAccepted)
	}))
	return s
}

func (s *ackServer) jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func TestSingleJobPool_RoundRobinPrefersIdle(t *testing.T) {
	a := newAckServer(false)
	b := newAckServer(false)
	defer a.server.Close()
	defer b.server.Close()

	pool := NewSingleJobPool([]*Worker{
		NewWorker("a", a.server.URL),
		NewWorker("b", b.server.URL),
	}, nil)

	w1, err := pool.Submit(context.Background(), Payload{"jobId": "j1"})
	require.NoError(t, err)
	w2, err := pool.Submit(context.Background(), Payload{"jobId": "j2"})
	require.NoError(t, err)

	require.NotEqual(t, w1.Name, w2.Name)
	require.Equal(t, 2, pool.Busy())
	require.Len(t, a.jobs(), 1)
	require.Len(t, b.jobs(), 1)
}

func TestSingleJobPool_FallsBackWhenAllBusy(t *testing.T) {
	a := newAckServer(false)
	defer a.server.Close()

	pool := NewSingleJobPool([]*Worker{NewWorker("a", a.server.URL)}, nil)

	_, err := pool.Submit(context.Background(), Payload{"jobId": "j1"})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Busy())

	// The only worker is busy; its internal queue absorbs the next job.
	_, err = pool.Submit(context.Background(), Payload{"jobId": "j2"})
	require.NoError(t, err)
	require.Equal(t, []string{"j1", "j2"}, a.jobs())
}

func TestSingleJobPool_MarkJobCompleteReleasesWorker(t *testing.T) {
	a := newAckServer(false)
	defer a.server.Close()

	pool := NewSingleJobPool([]*Worker{NewWorker("a", a.server.URL)}, nil)
	_, err := pool.Submit(context.Background(), Payload{"jobId": "j1"})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Busy())

	require.True(t, pool.MarkJobComplete("j1"))
	require.Equal(t, 0, pool.Busy())

	// Unknown job releases nothing.
	require.False(t, pool.MarkJobComplete("j1"))
	require.False(t, pool.MarkJobComplete("other"))
}

func TestSingleJobPool_RetriesNextWorkerOnSubmissionFailure(t *testing.T) {
	broken := newAckServer(true)
	working := newAckServer(false)
	defer broken.server.Close()
	defer working.server.Close()

	pool := NewSingleJobPool([]*Worker{
		NewWorker("broken", broken.server.URL),
		NewWorker("working", working.server.URL),
	}, nil)

	w, err := pool.Submit(context.Background(), Payload{"jobId": "j1"})
	require.NoError(t, err)
	require.Equal(t, "working", w.Name)
	require.Equal(t, []string{"j1"}, working.jobs())
	require.Equal(t, 1, pool.Busy())
}

func TestSingleJobPool_AllWorkersRejecting(t *testing.T) {
	broken := newAckServer(true)
	defer broken.server.Close()

	pool := NewSingleJobPool([]*Worker{NewWorker("broken", broken.server.URL)}, nil)
	_, err := pool.Submit(context.Background(), Payload{"jobId": "j1"})
	require.Error(t, err)
	require.Equal(t, 0, pool.Busy())
}

func TestSingleJobPool_RejectsPayloadWithoutJobID(t *testing.T) {
	pool := NewSingleJobPool(nil, nil)
	_, err := pool.Submit(context.Background(), Payload{})
	require.Error(t, err)
}
