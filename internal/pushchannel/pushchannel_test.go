// Copyright 2025 James Ross
package pushchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func testManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	cfg := config.PushChannel{
		AllowedOrigins:      []string{"http://allowed.example"},
		HeartbeatInterval:   50 * time.Millisecond,
		ReadDeadline:        time.Second,
		WriteDeadline:       time.Second,
		OutboundQueueSize:   4,
		TerminalGracePeriod: 50 * time.Millisecond,
	}
	m := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		m.ServeWS(w, r, jobID)
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?job_id=" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNotifyDeliversToSubscriber(t *testing.T) {
	m, srv := testManager(t)
	conn := dial(t, srv, "job-1")

	// Give the manager loop a moment to process the register message.
	time.Sleep(20 * time.Millisecond)

	m.Notify(&jobstore.Job{ID: "job-1", Status: jobstore.StatusProcessing, Progress: 42})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"progress":42`) {
		t.Errorf("expected delivered payload to contain progress, got %s", data)
	}
}

func TestTerminalNotifyCarriesDownloadURLAndFilename(t *testing.T) {
	m, srv := testManager(t)
	conn := dial(t, srv, "job-done")
	time.Sleep(20 * time.Millisecond)

	m.Notify(&jobstore.Job{
		ID: "job-done", Status: jobstore.StatusCompleted, Progress: 100,
		Format: jobstore.FormatMP3, DownloadURL: "https://signed.example/out",
	})

	msgType, payload := readEnvelope(t, conn)
	if msgType != "conversion_completed" {
		t.Fatalf("type = %s, want conversion_completed", msgType)
	}
	if progress, _ := payload["progress"].(float64); progress != 100 {
		t.Errorf("progress = %v, want 100", payload["progress"])
	}
	if payload["downloadUrl"] != "https://signed.example/out" {
		t.Errorf("downloadUrl = %v", payload["downloadUrl"])
	}
	if payload["filename"] != "converted.mp3" {
		t.Errorf("filename = %v, want converted.mp3", payload["filename"])
	}
}

func TestNotifyDoesNotCrossDeliverBetweenJobs(t *testing.T) {
	m, srv := testManager(t)
	connA := dial(t, srv, "job-a")
	_ = dial(t, srv, "job-b")
	time.Sleep(20 * time.Millisecond)

	m.Notify(&jobstore.Job{ID: "job-b", Status: jobstore.StatusProcessing, Progress: 10})

	connA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Error("expected job-a's connection to receive nothing for a job-b update")
	}
}

type fakeGetter struct{ job *jobstore.Job }

func (f *fakeGetter) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	if f.job != nil && f.job.ID == id {
		return f.job, nil
	}
	return nil, jobstore.ErrNotFound
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("malformed envelope %s: %v", data, err)
	}
	return env.Type, env.Payload
}

// A reconnecting client's subscribe_job must be answered with a job_status
// snapshot of the latest committed state before any further updates, so a
// subscriber that dropped mid-job resumes with progress at least where the
// job already is.
func TestSubscribeJobRepliesWithSnapshotThenUpdates(t *testing.T) {
	m, srv := testManager(t)
	m.AttachStore(&fakeGetter{job: &jobstore.Job{ID: "job-r", Status: jobstore.StatusProcessing, Progress: 55, CurrentStep: "transcode"}})

	conn := dial(t, srv, "")
	sub := `{"type":"subscribe_job","payload":{"id":"job-r"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatal(err)
	}

	msgType, payload := readEnvelope(t, conn)
	if msgType != "job_status" {
		t.Fatalf("first message type = %s, want job_status", msgType)
	}
	if progress, _ := payload["progress"].(float64); progress < 55 {
		t.Errorf("snapshot progress = %v, want >= 55", payload["progress"])
	}
	if _, ok := payload["timestamp"]; !ok {
		t.Error("expected a millisecond timestamp on the snapshot payload")
	}

	m.Notify(&jobstore.Job{ID: "job-r", Status: jobstore.StatusProcessing, Progress: 70, CurrentStep: "transcode"})
	msgType, payload = readEnvelope(t, conn)
	if msgType != "progress_update" {
		t.Fatalf("second message type = %s, want progress_update", msgType)
	}
	if progress, _ := payload["progress"].(float64); progress != 70 {
		t.Errorf("progress = %v, want 70", payload["progress"])
	}
}

func TestPingRepliesWithPongEchoingTimestamp(t *testing.T) {
	_, srv := testManager(t)
	conn := dial(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","payload":{"timestamp":12345}}`)); err != nil {
		t.Fatal(err)
	}
	msgType, payload := readEnvelope(t, conn)
	if msgType != "pong" {
		t.Fatalf("type = %s, want pong", msgType)
	}
	if ts, _ := payload["timestamp"].(float64); int64(ts) != 12345 {
		t.Errorf("timestamp = %v, want the client's 12345 echoed back", payload["timestamp"])
	}
}

func TestUnknownMessageTypeClosesConnection(t *testing.T) {
	_, srv := testManager(t)
	conn := dial(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}

	// An error envelope may arrive first; eventually the server closes with
	// a policy-violation code.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) && !websocket.IsUnexpectedCloseError(err) {
				t.Errorf("expected a close error, got %v", err)
			}
			return
		}
	}
}

func TestPruneClosesOrphanedSubscriptions(t *testing.T) {
	m, srv := testManager(t)
	conn := dial(t, srv, "job-gone")
	time.Sleep(20 * time.Millisecond)

	m.Prune(map[string]struct{}{}) // nothing alive
	time.Sleep(20 * time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed after prune")
	}
}
