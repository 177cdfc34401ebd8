package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
)

// DefaultComfyURL is used whenever no persisted endpoint can be read.
const DefaultComfyURL = "http://localhost:8188"

var (
	ErrMissingURL = errors.New("comfyUrl is required")
	ErrInvalidURL = errors.New("comfyUrl must be an absolute http or https URL")
	ErrPersist    = errors.New("failed to persist endpoint config")
)

// Endpoint is the engine endpoint configuration, persisted as a single
// human-editable JSON object.
type Endpoint struct {
	ComfyURL string `json:"comfyUrl"`
	IsRemote bool   `json:"isRemote"`
}

// EndpointStore holds the active engine endpoint and keeps the persisted
// file and the in-memory value moving together: an update that cannot be
// written to disk is not applied.
type EndpointStore struct {
	path string

	mu      sync.RWMutex
	current Endpoint
}

// NewEndpointStore loads the endpoint persisted at path. Any read or parse
// failure falls back to the default endpoint and is logged, never returned.
func NewEndpointStore(path string) *EndpointStore {
	s := &EndpointStore{path: path}
	s.current = s.load()
	return s
}

func (s *EndpointStore) load() Endpoint {
	fallback := Endpoint{ComfyURL: DefaultComfyURL, IsRemote: false}

	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Printf("Endpoint config not readable (%v), using default %s", err, DefaultComfyURL)
		return fallback
	}

	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		log.Printf("Endpoint config corrupt (%v), using default %s", err, DefaultComfyURL)
		return fallback
	}

	normalized, err := normalizeURL(ep.ComfyURL)
	if err != nil {
		log.Printf("Endpoint config invalid (%v), using default %s", err, DefaultComfyURL)
		return fallback
	}

	ep.ComfyURL = normalized
	ep.IsRemote = isRemote(normalized)
	return ep
}

// Current returns the active endpoint.
func (s *EndpointStore) Current() Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// BaseURL returns the active engine base URL. Transport code reads it per
// call so a runtime update takes effect immediately.
func (s *EndpointStore) BaseURL() string {
	return s.Current().ComfyURL
}

// Update validates and persists a new endpoint, then swaps it in. If the
// write fails the previous endpoint stays active and ErrPersist is returned.
func (s *EndpointStore) Update(rawURL string) (Endpoint, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Endpoint{}, ErrMissingURL
	}

	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return Endpoint{}, err
	}

	ep := Endpoint{
		ComfyURL: normalized,
		IsRemote: isRemote(normalized),
	}

	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.mu.Lock()
	s.current = ep
	s.mu.Unlock()

	return ep, nil
}

func normalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}

	return strings.TrimRight(trimmed, "/"), nil
}

// isRemote mirrors the heuristics the browser UI applies: tunneled or TLS
// endpoints are treated as remote, plain http as local.
func isRemote(u string) bool {
	return strings.Contains(u, "trycloudflare.com") ||
		strings.Contains(u, "colab.dev") ||
		strings.HasPrefix(u, "https://")
}
