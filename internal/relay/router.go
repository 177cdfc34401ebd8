// Package relay owns the persistent connection to the engine's event
// stream. It classifies inbound events, drives artifact downloads on
// completion and pushes normalized status events to browser clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"path"
	"path/filepath"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/comfytd/relay/internal/color"
	"github.com/comfytd/relay/internal/comfy"
	"github.com/comfytd/relay/internal/event"
	"github.com/comfytd/relay/internal/track"
)

// State of the upstream engine connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EngineClient is the slice of the engine transport the router needs.
type EngineClient interface {
	WSURL() string
	History(ctx context.Context, promptID string) (comfy.HistoryEntry, error)
	DownloadImage(ctx context.Context, ref comfy.ImageRef, destPath string) error
}

// Broadcaster pushes events to browser clients.
type Broadcaster interface {
	Broadcast(v any)
	Send(clientID string, v any)
}

// Router supervises the engine event-stream connection. The connection is
// established by Reconnect, which is triggered at startup and on every
// endpoint-config change; a dropped connection stays down until the next
// trigger.
type Router struct {
	engine    EngineClient
	jobs      track.Store
	hub       Broadcaster
	outDir    string
	urlPrefix string
	dialer    *websocket.Dialer

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	epoch int
}

// New creates a Router. Downloaded artifacts land under outDir and are
// announced to clients with URLs under urlPrefix.
func New(engine EngineClient, jobs track.Store, hub Broadcaster, outDir, urlPrefix string) *Router {
	return &Router{
		engine:    engine,
		jobs:      jobs,
		hub:       hub,
		outDir:    outDir,
		urlPrefix: urlPrefix,
		dialer:    websocket.DefaultDialer,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reconnect tears down any current connection and starts a fresh cycle
// against the engine's current endpoint.
func (r *Router) Reconnect() {
	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()

	go r.run(epoch)
}

// Close shuts the connection down without starting a new cycle.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch++
	r.state = StateDisconnected
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// setState applies a transition if this cycle is still the current one.
// A superseded cycle must not clobber its successor's state or broadcast
// stale transitions.
func (r *Router) setState(epoch int, s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch != r.epoch {
		return false
	}
	r.state = s
	return true
}

func (r *Router) run(epoch int) {
	wsURL := r.engine.WSURL()

	if !r.setState(epoch, StateConnecting) {
		return
	}
	log.Printf("Connecting to engine at %s", wsURL)
	r.hub.Broadcast(event.Connection(event.ConnConnecting, wsURL, "Connecting to ComfyUI...", ""))

	conn, resp, err := r.dialer.Dial(wsURL, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		if r.setState(epoch, StateError) {
			log.Printf("%s: %v", color.RedString("Engine connection failed"), err)
			r.hub.Broadcast(event.Connection(event.ConnError, wsURL, "Could not connect to ComfyUI", err.Error()))
		}
		return
	}

	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conn = conn
	r.state = StateConnected
	r.mu.Unlock()

	log.Printf("%s at %s", color.GreenString("Engine connected"), wsURL)
	r.hub.Broadcast(event.Connection(event.ConnConnected, wsURL, "Connected to ComfyUI", ""))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.handleClose(epoch, wsURL, err)
			return
		}
		r.handleMessage(data)
	}
}

func (r *Router) handleClose(epoch int, wsURL string, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		if r.setState(epoch, StateDisconnected) {
			log.Printf("Engine connection closed")
			r.hub.Broadcast(event.Connection(event.ConnDisconnected, wsURL, "Disconnected from ComfyUI", ""))
		}
		return
	}
	if r.setState(epoch, StateError) {
		log.Printf("%s: %v", color.RedString("Engine connection lost"), err)
		r.hub.Broadcast(event.Connection(event.ConnError, wsURL, "Lost connection to ComfyUI", err.Error()))
	}
}

// handleMessage classifies one engine frame. Undecodable frames and
// unknown types are logged or ignored, never propagated.
func (r *Router) handleMessage(data []byte) {
	var msg comfy.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Engine sent undecodable frame: %v", err)
		return
	}

	switch msg.Type {
	case comfy.EventProgress:
		var p comfy.ProgressData
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Printf("Bad progress payload: %v", err)
			return
		}
		pct := percent(p.Value, p.Max)
		r.hub.Broadcast(event.Progress(pct, fmt.Sprintf("Generating... step %d of %d", p.Value, p.Max)))

	case comfy.EventExecuting:
		var e comfy.ExecutingData
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Printf("Bad executing payload: %v", err)
			return
		}
		// A nil node marks the end of a prompt's execution, not a start.
		if e.Node != nil {
			r.hub.Broadcast(event.Status(event.StatusExecuting, "ComfyUI is executing the workflow"))
		}

	case comfy.EventExecuted:
		var e comfy.ExecutedData
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Printf("Bad executed payload: %v", err)
			return
		}
		r.handleExecuted(e)

	default:
		// Engine chatter (status, execution_cached, ...) is not relayed.
	}
}

func percent(value, max int) int {
	if max == 0 {
		return 0
	}
	return int(math.Round(float64(value) / float64(max) * 100))
}

// handleExecuted resolves the owning client, downloads every produced
// image and notifies that client. The job record is removed once its
// terminal event has been processed.
func (r *Router) handleExecuted(e comfy.ExecutedData) {
	ctx := context.Background()

	job, err := r.jobs.Resolve(ctx, e.PromptID)
	if errors.Is(err, track.ErrNotFound) {
		log.Printf("%s: completion for untracked prompt %s dropped", color.YellowString("Warning"), e.PromptID)
		return
	}
	if err != nil {
		log.Printf("Failed to resolve prompt %s: %v", e.PromptID, err)
		return
	}

	images := e.Output.Images
	if len(images) == 0 {
		// Some engine builds omit inline outputs; the history endpoint
		// has them.
		entry, err := r.engine.History(ctx, e.PromptID)
		if err != nil {
			log.Printf("No outputs for prompt %s and history fetch failed: %v", e.PromptID, err)
			r.hub.Send(job.ClientID, event.Status(event.StatusError, "Generation finished but no output could be retrieved"))
			return
		}
		for _, out := range entry.Outputs {
			images = append(images, out.Images...)
		}
	}

	for _, img := range images {
		r.hub.Send(job.ClientID, event.Status(event.StatusDownloading, "Downloading "+img.Filename))

		dest := filepath.Join(r.outDir, img.Subfolder, img.Filename)
		if err := r.engine.DownloadImage(ctx, img, dest); err != nil {
			log.Printf("%s for prompt %s: %v", color.RedString("Artifact download failed"), e.PromptID, err)
			r.hub.Send(job.ClientID, event.Status(event.StatusError, "Failed to download the generated image"))
			continue
		}

		r.hub.Send(job.ClientID, event.Image(path.Join(r.urlPrefix, img.Subfolder, img.Filename), job.Prompt))
	}

	if err := r.jobs.Remove(ctx, e.PromptID); err != nil {
		log.Printf("Failed to evict job record %s: %v", e.PromptID, err)
	}
}
