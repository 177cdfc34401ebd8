// Package comfy talks to a ComfyUI instance over its HTTP and WebSocket
// surfaces: prompt submission, history, the /object_info model catalog,
// artifact download and image upload.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrTransport is returned when the engine is unreachable or answers
	// with an unexpected status or body.
	ErrTransport = errors.New("engine request failed")
	// ErrCapability is returned when /object_info does not contain the
	// checkpoint catalog at the expected field path.
	ErrCapability = errors.New("model catalog unavailable")
	// ErrDownload is returned when an artifact cannot be fetched to disk.
	ErrDownload = errors.New("artifact download failed")
)

const defaultTimeout = 60 * time.Second

// Client issues requests against the engine. The base URL is read through
// the provider on every call so a runtime endpoint change applies to the
// next request, never a cached one.
type Client struct {
	baseURL    func() string
	clientID   string
	httpClient *http.Client
}

// NewClient creates a Client. clientID is the stable identifier sent with
// every prompt submission so the engine's event stream can be correlated
// back to this process.
func NewClient(baseURL func() string, clientID string) *Client {
	return &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// ClientID returns the identifier used for prompt submissions.
func (c *Client) ClientID() string {
	return c.clientID
}

// WSURL returns the engine's event-stream URL for the current endpoint,
// selecting ws or wss to match the configured http or https scheme.
func (c *Client) WSURL() string {
	base := c.baseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?clientId=" + url.QueryEscape(c.clientID)
}

// SubmitPrompt queues a workflow graph and returns the engine-assigned
// prompt id.
func (c *Client) SubmitPrompt(ctx context.Context, graph any) (string, error) {
	body, err := json.Marshal(PromptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("%w: encode prompt: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pr PromptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("%w: response carries no prompt_id", ErrTransport)
	}
	return pr.PromptID, nil
}

// History fetches the execution history for a single prompt id.
func (c *Client) History(ctx context.Context, promptID string) (HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HistoryEntry{}, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var history map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: decode history: %v", ErrTransport, err)
	}

	entry, ok := history[promptID]
	if !ok {
		return HistoryEntry{}, fmt.Errorf("%w: no history for prompt %s", ErrTransport, promptID)
	}
	return entry, nil
}

// objectInfoNode is the slice of /object_info we care about: the input
// choices of a node class.
type objectInfoNode struct {
	Input struct {
		Required map[string]json.RawMessage `json:"required"`
	} `json:"input"`
}

// AvailableModels returns the checkpoint names the engine reports as
// installed, extracted from /object_info.
func (c *Client) AvailableModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/object_info", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var info map[string]objectInfoNode
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decode object_info: %v", ErrTransport, err)
	}

	loader, ok := info["CheckpointLoaderSimple"]
	if !ok {
		return nil, fmt.Errorf("%w: CheckpointLoaderSimple not reported", ErrCapability)
	}
	raw, ok := loader.Input.Required["ckpt_name"]
	if !ok {
		return nil, fmt.Errorf("%w: ckpt_name input not reported", ErrCapability)
	}

	// ckpt_name is [[name, ...], {...}]: the first element holds the choices.
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, fmt.Errorf("%w: unexpected ckpt_name shape", ErrCapability)
	}
	var names []string
	if err := json.Unmarshal(args[0], &names); err != nil {
		return nil, fmt.Errorf("%w: unexpected ckpt_name choices", ErrCapability)
	}
	return names, nil
}

// DownloadImage streams a generated image to destPath, creating parent
// directories as needed. A partially written file is removed on failure.
func (c *Client) DownloadImage(ctx context.Context, ref ImageRef, destPath string) error {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/view?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return nil
}

// UploadImage posts a local file to the engine's input store via
// multipart POST /upload/image.
func (c *Client) UploadImage(ctx context.Context, localPath string) (UploadResponse, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(localPath))
	if err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := mw.Close(); err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/upload/image", &buf)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UploadResponse{}, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var ur UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return UploadResponse{}, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return ur, nil
}
