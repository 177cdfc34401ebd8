// Package server is the client-facing gateway: it accepts browser
// WebSocket connections, runs the generation submission pipeline and
// exposes the config and model HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/comfytd/relay/internal/catalog"
	"github.com/comfytd/relay/internal/color"
	"github.com/comfytd/relay/internal/config"
	"github.com/comfytd/relay/internal/event"
	"github.com/comfytd/relay/internal/hub"
	"github.com/comfytd/relay/internal/track"
	"github.com/comfytd/relay/internal/workflow"
)

const submitTimeout = 30 * time.Second

var (
	errEmptyPrompt   = errors.New("prompt must not be empty")
	errInvalidParams = errors.New("steps, width and height must be positive")
)

// engineClient is the slice of the engine transport the gateway needs.
type engineClient interface {
	SubmitPrompt(ctx context.Context, graph any) (string, error)
	AvailableModels(ctx context.Context) ([]string, error)
}

// reconnector triggers a fresh engine connection cycle after a config
// update.
type reconnector interface {
	Reconnect()
}

// Server is the client gateway.
type Server struct {
	settings  *config.Settings
	endpoints *config.EndpointStore
	engine    engineClient
	template  *workflow.Template
	validator *catalog.Validator
	jobs      track.Store
	hub       *hub.Hub
	router    reconnector

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New creates a Server wired to its collaborators.
func New(settings *config.Settings, endpoints *config.EndpointStore, engine engineClient, template *workflow.Template, jobs track.Store, h *hub.Hub, router reconnector) *Server {
	return &Server{
		settings:  settings,
		endpoints: endpoints,
		engine:    engine,
		template:  template,
		validator: catalog.NewValidator(engine),
		jobs:      jobs,
		hub:       h,
		router:    router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the gateway's HTTP routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePostConfig)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /imagenes/", http.StripPrefix("/imagenes/", http.FileServer(http.Dir(s.settings.OutputDir))))
	mux.Handle("/", http.FileServer(http.Dir(s.settings.PublicDir)))
	return mux
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.settings.Port),
		Handler: s.Handler(),
	}
	log.Printf("Server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWS upgrades a browser connection and runs its read loop. One
// writer goroutine per connection drains the hub channel; the read loop
// dispatches inbound frames until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.NewString()
	events := s.hub.Register(clientID)
	log.Printf("%s %s from %s", color.BlueString("Client connected"), clientID, r.RemoteAddr)

	go func() {
		for data := range events {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.hub.Unregister(clientID)
		conn.Close()
		log.Printf("%s %s", color.YellowString("Client disconnected"), clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(clientID, data)
	}
}

func (s *Server) dispatch(clientID string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.hub.Send(clientID, event.Status(event.StatusError, "Invalid message"))
		return
	}

	switch msg.Type {
	case msgGenerate:
		// The submission pipeline does engine I/O; run it off the read
		// loop so one slow request does not stall this client's frames.
		go s.handleGenerate(clientID, msg)
	case msgSlider:
		s.hub.BroadcastExcept(clientID, event.SliderUpdate{Type: event.TypeSliderUpdate, Value: msg.Value})
	default:
		log.Printf("Ignoring unknown client message type %q", msg.Type)
	}
}

// handleGenerate runs the submission pipeline for one request. Every
// failure is delivered to the requesting client as a status event; no
// error escapes to the connection layer.
func (s *Server) handleGenerate(clientID string, msg clientMessage) {
	log.Printf("-> %s from client %s", color.BlueString("Generation request"), clientID)
	s.hub.Send(clientID, event.Status(event.StatusQueued, "Prompt queued"))

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	promptID, err := s.submit(ctx, clientID, msg)
	if err != nil {
		log.Printf("%s for client %s: %v", color.RedString("Generation failed"), clientID, err)
		s.hub.Send(clientID, event.Status(event.StatusError, err.Error()))
		return
	}

	status := event.Status(event.StatusProcessing, "Prompt submitted to ComfyUI")
	status.PromptID = promptID
	s.hub.Send(clientID, status)
	log.Printf("<- %s %s for client %s", color.GreenString("Queued prompt"), promptID, clientID)
}

func (s *Server) submit(ctx context.Context, clientID string, msg clientMessage) (string, error) {
	prompt := strings.TrimSpace(msg.Prompt)
	if prompt == "" {
		return "", errEmptyPrompt
	}
	if msg.Params.Steps <= 0 || msg.Params.Width <= 0 || msg.Params.Height <= 0 {
		return "", errInvalidParams
	}

	params := workflow.Params{
		Steps:  msg.Params.Steps,
		Width:  msg.Params.Width,
		Height: msg.Params.Height,
		Seed:   workflow.SeedUnspecified,
		Model:  msg.Params.Model,
	}
	if msg.Params.Seed != nil {
		params.Seed = *msg.Params.Seed
	}

	res, err := s.validator.Validate(ctx, params.Model)
	if err != nil {
		// Catalog unreachable: proceed with the unverified model, the
		// engine is the final arbiter.
		s.hub.Send(clientID, event.Status(event.StatusInfo, "Could not verify model availability, proceeding with "+params.Model))
	} else {
		if !res.Accepted {
			s.hub.Send(clientID, event.Status(event.StatusInfo,
				fmt.Sprintf("Model %s is not installed, using %s instead", msg.Params.Model, res.Model)))
		}
		params.Model = res.Model
	}

	graph, err := s.template.Render(prompt, params)
	if err != nil {
		return "", err
	}

	promptID, err := s.engine.SubmitPrompt(ctx, graph)
	if err != nil {
		return "", err
	}

	job := track.Job{PromptID: promptID, Prompt: prompt, ClientID: clientID}
	if err := s.jobs.Record(ctx, job); err != nil {
		// An engine-assigned id colliding with a live record is an
		// integrity violation; the request fails, the process lives.
		log.Printf("%s: %v", color.RedString("Job correlation integrity violation"), err)
		return "", err
	}
	return promptID, nil
}
