package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWorker is an httptest render worker with a scripted poll sequence.
type fakeWorker struct {
	mu          sync.Mutex
	healthy     bool
	submissions []Payload
	polls       map[string]int
	// pollFn returns (httpStatus, body) for the nth poll (1-based) of jobID.
	pollFn func(n int, jobID string) (int, JobStatus)

	server *httptest.Server
}

func newFakeWorker(healthy bool, pollFn func(n int, jobID string) (int, JobStatus)) *fakeWorker {
	w := &fakeWorker{healthy: healthy, polls: make(map[string]int), pollFn: pollFn}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			if !w.healthy {
				rw.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(http.StatusOK)

		case r.URL.Path == "/render-video":
			var p Payload
			_ = json.NewDecoder(r.Body).Decode(&p)
			w.mu.Lock()
			w.submissions = append(w.submissions, p)
			w.mu.Unlock()
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})

		case strings.HasPrefix(r.URL.Path, "/job/"):
			jobID := strings.TrimPrefix(r.URL.Path, "/job/")
			w.mu.Lock()
			w.polls[jobID]++
			n := w.polls[jobID]
			w.mu.Unlock()
			status, body := w.pollFn(n, jobID)
			rw.WriteHeader(status)
			if status == http.StatusOK {
				_ = json.NewEncoder(rw).Encode(body)
			}

		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	return w
}

func (w *fakeWorker) client(name string) *Worker { return NewWorker(name, w.server.URL) }

func (w *fakeWorker) submitted() []Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Payload(nil), w.submissions...)
}

// fakeConcat records concat and cleanup calls.
type fakeConcat struct {
	mu         sync.Mutex
	cleanups   []string
	chunkPaths []string
	outputName string
	server     *httptest.Server
}

func newFakeConcat() *fakeConcat {
	c := &fakeConcat{}
	c.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rw.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ffmpeg/cleanup-chunks":
			c.mu.Lock()
			c.cleanups = append(c.cleanups, body["job_id"].(string))
			c.mu.Unlock()
			_ = json.NewEncoder(rw).Encode(map[string]int{"deleted_count": 2})
		case "/ffmpeg/concat-chunks":
			c.mu.Lock()
			for _, p := range body["chunk_paths"].([]any) {
				c.chunkPaths = append(c.chunkPaths, p.(string))
			}
			c.outputName, _ = body["output_filename"].(string)
			c.mu.Unlock()
			_ = json.NewEncoder(rw).Encode(ConcatResult{OutputPath: "/shared/final.mp4"})
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	return c
}

type fakeUploader struct {
	mu      sync.Mutex
	source  string
	object  string
	signURL string
}

func (u *fakeUploader) UploadFile(_ context.Context, sourcePath, objectKey string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.source, u.object = sourcePath, objectKey
	return u.signURL, nil
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		InitialPollDelay:  time.Millisecond,
		PollInterval:      time.Millisecond,
		MaxPreAck404:      10,
		MaxConsecutive5xx: 3,
		ChunkTimeout:      2 * time.Second,
		SubmitTimeout:     time.Second,
	}
}

func chunkedPayload(jobID string, frames int) Payload {
	return Payload{
		"jobId": jobID,
		"project_settings": map[string]any{
			"video_settings": map[string]any{"fps": float64(1), "duration_in_frames": float64(frames)},
		},
		"video_url": "https://services.vinicius.ai/v/src.mp4",
		"tracks": []any{
			map[string]any{
				"type": "video_segments",
				"items": []any{
					map[string]any{"start": float64(0), "end": float64(frames)},
				},
			},
		},
	}
}

func TestWorkerPool_PreAck404sThenCompleted(t *testing.T) {
	// Each chunk answers 404 three times (worker still spinning up), then
	// reports completion with its shared path.
	poll := func(n int, jobID string) (int, JobStatus) {
		if n <= 3 {
			return http.StatusNotFound, JobStatus{}
		}
		return http.StatusOK, JobStatus{Status: "completed", SharedPath: "/shared/" + jobID + ".mp4"}
	}
	w1 := newFakeWorker(true, poll)
	w2 := newFakeWorker(true, poll)
	defer w1.server.Close()
	defer w2.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()
	uploader := &fakeUploader{signURL: "https://cdn.example.com/final.mp4?sig=x"}

	pool := NewWorkerPool(
		[]*Worker{w1.client("w1"), w2.client("w2")},
		NewConcatClient(concat.server.URL), uploader, testPoolConfig(), nil)

	url, err := pool.Dispatch(context.Background(), chunkedPayload("job-9", 100),
		UploadPlan{JobID: "job-9"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/final.mp4?sig=x", url)

	// Stale chunks purged before dispatch.
	require.Equal(t, []string{"job-9"}, concat.cleanups)

	// Chunk paths arrive in chunk-index order regardless of finish order.
	require.Equal(t, []string{"/shared/job-9_chunk_0.mp4", "/shared/job-9_chunk_1.mp4"}, concat.chunkPaths)
	require.Equal(t, "job-9_final.mp4", concat.outputName)
	require.Equal(t, "/shared/final.mp4", uploader.source)

	// Each worker received exactly one chunk with the chunk markers set and
	// internal DNS substituted.
	for _, fw := range []*fakeWorker{w1, w2} {
		subs := fw.submitted()
		require.Len(t, subs, 1)
		chunk := subs[0]
		require.Equal(t, true, chunk["is_chunk"])
		require.Equal(t, true, chunk["skip_upload"])
		require.Equal(t, true, chunk["output_to_shared"])
		require.Contains(t, chunk["jobId"], "job-9_chunk_")
		require.Equal(t, "http://v-services:5000/v/src.mp4", chunk["video_url"])
		fr := chunk["frame_range"].(map[string]any)
		require.Contains(t, fr, "start")
		require.Contains(t, fr, "end")
	}
}

func TestWorkerPool_PostAck404IsFatal(t *testing.T) {
	// First poll acknowledges, second says 404: the job vanished.
	poll := func(n int, jobID string) (int, JobStatus) {
		if n == 1 {
			return http.StatusOK, JobStatus{Status: "rendering", Progress: 0.2}
		}
		return http.StatusNotFound, JobStatus{}
	}
	w := newFakeWorker(true, poll)
	defer w.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()

	pool := NewWorkerPool([]*Worker{w.client("w1")},
		NewConcatClient(concat.server.URL), &fakeUploader{}, testPoolConfig(), nil)

	_, err := pool.Dispatch(context.Background(), chunkedPayload("job-10", 50),
		UploadPlan{JobID: "job-10"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disappeared")
	require.Empty(t, concat.chunkPaths)
}

func TestWorkerPool_PreAck404BudgetExceeded(t *testing.T) {
	poll := func(n int, jobID string) (int, JobStatus) {
		return http.StatusNotFound, JobStatus{}
	}
	w := newFakeWorker(true, poll)
	defer w.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()

	cfg := testPoolConfig()
	cfg.MaxPreAck404 = 4
	pool := NewWorkerPool([]*Worker{w.client("w1")},
		NewConcatClient(concat.server.URL), &fakeUploader{}, cfg, nil)

	_, err := pool.Dispatch(context.Background(), chunkedPayload("job-11", 50),
		UploadPlan{JobID: "job-11"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "never appeared")
}

func TestWorkerPool_Consecutive5xxBudget(t *testing.T) {
	poll := func(n int, jobID string) (int, JobStatus) {
		return http.StatusInternalServerError, JobStatus{}
	}
	w := newFakeWorker(true, poll)
	defer w.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()

	pool := NewWorkerPool([]*Worker{w.client("w1")},
		NewConcatClient(concat.server.URL), &fakeUploader{}, testPoolConfig(), nil)

	_, err := pool.Dispatch(context.Background(), chunkedPayload("job-12", 50),
		UploadPlan{JobID: "job-12"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "in a row")
}

func TestWorkerPool_WorkerReportedFailureFailsDispatch(t *testing.T) {
	poll := func(n int, jobID string) (int, JobStatus) {
		if strings.HasSuffix(jobID, "_chunk_0") {
			return http.StatusOK, JobStatus{Status: "completed", SharedPath: "/shared/" + jobID + ".mp4"}
		}
		return http.StatusOK, JobStatus{Status: "failed", Error: "encoder crashed"}
	}
	w1 := newFakeWorker(true, poll)
	w2 := newFakeWorker(true, poll)
	defer w1.server.Close()
	defer w2.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()

	pool := NewWorkerPool([]*Worker{w1.client("w1"), w2.client("w2")},
		NewConcatClient(concat.server.URL), &fakeUploader{}, testPoolConfig(), nil)

	_, err := pool.Dispatch(context.Background(), chunkedPayload("job-13", 100),
		UploadPlan{JobID: "job-13"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "encoder crashed")
	require.Empty(t, concat.chunkPaths)
}

func TestWorkerPool_UnhealthyWorkersExcluded(t *testing.T) {
	poll := func(n int, jobID string) (int, JobStatus) {
		return http.StatusOK, JobStatus{Status: "completed", SharedPath: "/shared/" + jobID + ".mp4"}
	}
	healthy := newFakeWorker(true, poll)
	sick := newFakeWorker(false, poll)
	defer healthy.server.Close()
	defer sick.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()

	pool := NewWorkerPool([]*Worker{sick.client("sick"), healthy.client("ok")},
		NewConcatClient(concat.server.URL), &fakeUploader{signURL: "u"}, testPoolConfig(), nil)

	_, err := pool.Dispatch(context.Background(), chunkedPayload("job-14", 60),
		UploadPlan{JobID: "job-14"})
	require.NoError(t, err)
	require.Empty(t, sick.submitted())
	require.Len(t, healthy.submitted(), 1) // whole range on the one healthy worker
}

func TestWorkerPool_NoHealthyWorkersFailsImmediately(t *testing.T) {
	sick := newFakeWorker(false, nil)
	defer sick.server.Close()
	concat := newFakeConcat()
	defer concat.server.Close()

	pool := NewWorkerPool([]*Worker{sick.client("sick")},
		NewConcatClient(concat.server.URL), &fakeUploader{}, testPoolConfig(), nil)

	_, err := pool.Dispatch(context.Background(), chunkedPayload("job-15", 60),
		UploadPlan{JobID: "job-15"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no healthy")
	require.Empty(t, concat.cleanups)
}
