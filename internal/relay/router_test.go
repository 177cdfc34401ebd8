package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comfytd/relay/internal/comfy"
	"github.com/comfytd/relay/internal/event"
	"github.com/comfytd/relay/internal/track"
)

// recordingHub captures every event pushed through it.
type recordingHub struct {
	events chan recordedEvent
}

type recordedEvent struct {
	clientID string // empty for broadcasts
	payload  any
}

func newRecordingHub() *recordingHub {
	return &recordingHub{events: make(chan recordedEvent, 64)}
}

func (h *recordingHub) Broadcast(v any) {
	h.events <- recordedEvent{payload: v}
}

func (h *recordingHub) Send(clientID string, v any) {
	h.events <- recordedEvent{clientID: clientID, payload: v}
}

func (h *recordingHub) next(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return recordedEvent{}
	}
}

// fakeEngine implements EngineClient against a test WebSocket server.
type fakeEngine struct {
	mu      sync.Mutex
	wsURL   string
	history map[string]comfy.HistoryEntry
	dlErr   error
}

func (f *fakeEngine) WSURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsURL
}

func (f *fakeEngine) setWSURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wsURL = u
}

func (f *fakeEngine) History(ctx context.Context, promptID string) (comfy.HistoryEntry, error) {
	entry, ok := f.history[promptID]
	if !ok {
		return comfy.HistoryEntry{}, fmt.Errorf("no history for %s", promptID)
	}
	return entry, nil
}

func (f *fakeEngine) DownloadImage(ctx context.Context, ref comfy.ImageRef, destPath string) error {
	if f.dlErr != nil {
		return f.dlErr
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("image-bytes"), 0o644)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		name       string
		value, max int
		want       int
	}{
		{"half", 3, 6, 50},
		{"complete", 6, 6, 100},
		{"start", 0, 6, 0},
		{"zero max does not divide", 5, 0, 0},
		{"rounds to nearest", 1, 3, 33},
		{"rounds up", 2, 3, 67},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percent(tt.value, tt.max); got != tt.want {
				t.Errorf("percent(%d, %d) = %d, want %d", tt.value, tt.max, got, tt.want)
			}
		})
	}
}

func TestHandleMessage_Progress(t *testing.T) {
	hub := newRecordingHub()
	r := New(&fakeEngine{}, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.handleMessage([]byte(`{"type":"progress","data":{"value":3,"max":6}}`))

	ev := hub.next(t)
	progress, ok := ev.payload.(event.GenerationProgress)
	if !ok {
		t.Fatalf("payload type %T", ev.payload)
	}
	if progress.Percent != 50 {
		t.Errorf("Percent = %d, want 50", progress.Percent)
	}
}

func TestHandleMessage_ProgressZeroMax(t *testing.T) {
	hub := newRecordingHub()
	r := New(&fakeEngine{}, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.handleMessage([]byte(`{"type":"progress","data":{"value":5,"max":0}}`))

	progress := hub.next(t).payload.(event.GenerationProgress)
	if progress.Percent != 0 {
		t.Errorf("Percent = %d, want 0 for max=0", progress.Percent)
	}
}

func TestHandleMessage_Executing(t *testing.T) {
	hub := newRecordingHub()
	r := New(&fakeEngine{}, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.handleMessage([]byte(`{"type":"executing","data":{"node":"3","prompt_id":"p1"}}`))

	status := hub.next(t).payload.(event.GenerationStatus)
	if status.Status != event.StatusExecuting {
		t.Errorf("Status = %q, want executing", status.Status)
	}
}

func TestHandleMessage_ExecutingNilNodeIgnored(t *testing.T) {
	hub := newRecordingHub()
	r := New(&fakeEngine{}, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.handleMessage([]byte(`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`))

	select {
	case ev := <-hub.events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestHandleMessage_UnknownTypeIgnored(t *testing.T) {
	hub := newRecordingHub()
	r := New(&fakeEngine{}, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.handleMessage([]byte(`{"type":"execution_cached","data":{}}`))
	r.handleMessage([]byte(`not json at all`))

	select {
	case ev := <-hub.events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestHandleExecuted_RoutesToOwningClient(t *testing.T) {
	hub := newRecordingHub()
	jobs := track.NewMemoryStore()
	outDir := t.TempDir()
	r := New(&fakeEngine{}, jobs, hub, outDir, "/imagenes")

	job := track.Job{PromptID: "p1", Prompt: "a cat", ClientID: "client-1"}
	if err := jobs.Record(context.Background(), job); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	r.handleMessage([]byte(`{"type":"executed","data":{
		"node":"9","prompt_id":"p1",
		"output":{"images":[{"filename":"cat.png","subfolder":"sub","type":"output"}]}
	}}`))

	downloading := hub.next(t)
	if downloading.clientID != "client-1" {
		t.Errorf("downloading sent to %q, want client-1", downloading.clientID)
	}
	if st := downloading.payload.(event.GenerationStatus); st.Status != event.StatusDownloading {
		t.Errorf("first event status = %q, want downloading", st.Status)
	}

	generated := hub.next(t)
	img := generated.payload.(event.ImageGenerated)
	if generated.clientID != "client-1" {
		t.Errorf("image_generated sent to %q, want client-1", generated.clientID)
	}
	if img.URL != "/imagenes/sub/cat.png" {
		t.Errorf("URL = %q", img.URL)
	}
	if img.Prompt != "a cat" {
		t.Errorf("Prompt = %q, want original prompt", img.Prompt)
	}

	if _, err := os.Stat(filepath.Join(outDir, "sub", "cat.png")); err != nil {
		t.Errorf("artifact not on disk: %v", err)
	}

	// Terminal event processed: the record is evicted.
	if _, err := jobs.Resolve(context.Background(), "p1"); err == nil {
		t.Error("job record still tracked after delivery")
	}
}

func TestHandleExecuted_UntrackedPromptDropped(t *testing.T) {
	hub := newRecordingHub()
	r := New(&fakeEngine{}, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.handleMessage([]byte(`{"type":"executed","data":{"node":"9","prompt_id":"never-seen","output":{"images":[{"filename":"x.png"}]}}}`))

	select {
	case ev := <-hub.events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestHandleExecuted_FallsBackToHistory(t *testing.T) {
	hub := newRecordingHub()
	jobs := track.NewMemoryStore()
	engine := &fakeEngine{history: map[string]comfy.HistoryEntry{
		"p1": {Outputs: map[string]comfy.NodeOutput{
			"9": {Images: []comfy.ImageRef{{Filename: "h.png", Type: "output"}}},
		}},
	}}
	r := New(engine, jobs, hub, t.TempDir(), "/imagenes")

	jobs.Record(context.Background(), track.Job{PromptID: "p1", Prompt: "x", ClientID: "c1"})

	r.handleMessage([]byte(`{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{}}}`))

	hub.next(t) // downloading
	img := hub.next(t).payload.(event.ImageGenerated)
	if img.URL != "/imagenes/h.png" {
		t.Errorf("URL = %q, want history-derived image", img.URL)
	}
}

func TestHandleExecuted_DownloadFailureNotifiesClient(t *testing.T) {
	hub := newRecordingHub()
	jobs := track.NewMemoryStore()
	engine := &fakeEngine{dlErr: fmt.Errorf("network gone")}
	r := New(engine, jobs, hub, t.TempDir(), "/imagenes")

	jobs.Record(context.Background(), track.Job{PromptID: "p1", ClientID: "c1"})

	r.handleMessage([]byte(`{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{"images":[{"filename":"x.png"}]}}}`))

	hub.next(t) // downloading
	st := hub.next(t).payload.(event.GenerationStatus)
	if st.Status != event.StatusError {
		t.Errorf("status = %q, want error", st.Status)
	}
}

// startEngineWS runs a WebSocket endpoint that feeds frames from send to
// every connection.
func startEngineWS(t *testing.T, send <-chan any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for frame := range send {
			data, _ := json.Marshal(frame)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURLOf(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestRouter_ConnectLifecycle(t *testing.T) {
	frames := make(chan any)
	defer close(frames)
	srv := startEngineWS(t, frames)

	hub := newRecordingHub()
	engine := &fakeEngine{wsURL: wsURLOf(srv)}
	r := New(engine, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")
	defer r.Close()

	r.Reconnect()

	connecting := hub.next(t).payload.(event.ConnectionStatus)
	if connecting.Status != event.ConnConnecting {
		t.Fatalf("first status = %q, want connecting", connecting.Status)
	}
	if connecting.URL != engine.WSURL() {
		t.Errorf("connecting URL = %q, want %q", connecting.URL, engine.WSURL())
	}

	connected := hub.next(t).payload.(event.ConnectionStatus)
	if connected.Status != event.ConnConnected {
		t.Fatalf("second status = %q, want connected", connected.Status)
	}
	if r.State() != StateConnected {
		t.Errorf("State() = %v, want connected", r.State())
	}

	// A frame from the engine flows through to clients.
	frames <- comfy.WSMessage{Type: comfy.EventProgress, Data: json.RawMessage(`{"value":1,"max":4}`)}
	progress := hub.next(t).payload.(event.GenerationProgress)
	if progress.Percent != 25 {
		t.Errorf("Percent = %d, want 25", progress.Percent)
	}
}

func TestRouter_ConnectFailure(t *testing.T) {
	hub := newRecordingHub()
	engine := &fakeEngine{wsURL: "ws://127.0.0.1:1/ws"}
	r := New(engine, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")

	r.Reconnect()

	if st := hub.next(t).payload.(event.ConnectionStatus); st.Status != event.ConnConnecting {
		t.Fatalf("first status = %q, want connecting", st.Status)
	}
	errStatus := hub.next(t).payload.(event.ConnectionStatus)
	if errStatus.Status != event.ConnError {
		t.Fatalf("second status = %q, want error", errStatus.Status)
	}
	if errStatus.Error == "" {
		t.Error("error status carries no detail")
	}
	if r.State() != StateError {
		t.Errorf("State() = %v, want error", r.State())
	}
}

func TestRouter_ReconnectUsesNewEndpoint(t *testing.T) {
	firstFrames := make(chan any)
	defer close(firstFrames)
	first := startEngineWS(t, firstFrames)

	secondFrames := make(chan any)
	defer close(secondFrames)
	second := startEngineWS(t, secondFrames)

	hub := newRecordingHub()
	engine := &fakeEngine{wsURL: wsURLOf(first)}
	r := New(engine, track.NewMemoryStore(), hub, t.TempDir(), "/imagenes")
	defer r.Close()

	r.Reconnect()
	hub.next(t) // connecting
	hub.next(t) // connected

	// Endpoint config changes; the router must cycle onto the new URL.
	engine.setWSURL(wsURLOf(second))
	r.Reconnect()

	var statuses []event.ConnectionStatus
	for len(statuses) < 2 {
		ev := hub.next(t)
		st, ok := ev.payload.(event.ConnectionStatus)
		if !ok {
			continue
		}
		// The torn-down first connection may not emit anything because
		// its cycle is superseded; only new-URL transitions count.
		if st.URL == wsURLOf(second) {
			statuses = append(statuses, st)
		}
	}

	if statuses[0].Status != event.ConnConnecting || statuses[1].Status != event.ConnConnected {
		t.Errorf("transition sequence = %q, %q; want connecting, connected", statuses[0].Status, statuses[1].Status)
	}
	if r.State() != StateConnected {
		t.Errorf("State() = %v, want connected", r.State())
	}
}
