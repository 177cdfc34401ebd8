// Package event defines the JSON frames pushed to browser clients.
package event

import "encoding/json"

// Frame type discriminators.
const (
	TypeConnectionStatus   = "connection_status"
	TypeGenerationStatus   = "generation_status"
	TypeGenerationProgress = "generation_progress"
	TypeImageGenerated     = "image_generated"
	TypeSliderUpdate       = "slider update"
)

// connection_status values.
const (
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnError        = "error"
	ConnDisconnected = "disconnected"
)

// generation_status values.
const (
	StatusQueued      = "queued"
	StatusProcessing  = "processing"
	StatusExecuting   = "executing"
	StatusDownloading = "downloading"
	StatusError       = "error"
	StatusInfo        = "info"
)

// ConnectionStatus reports an engine-connection state transition.
type ConnectionStatus struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// GenerationStatus reports a step of a generation's lifecycle.
type GenerationStatus struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	PromptID string `json:"promptId,omitempty"`
}

// GenerationProgress reports sampler progress as a 0-100 percentage.
type GenerationProgress struct {
	Type    string `json:"type"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ImageGenerated announces a downloaded artifact with its original prompt.
type ImageGenerated struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// SliderUpdate relays an opaque control value between clients verbatim.
type SliderUpdate struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func Connection(status, url, message, errMsg string) ConnectionStatus {
	return ConnectionStatus{
		Type:    TypeConnectionStatus,
		Status:  status,
		URL:     url,
		Message: message,
		Error:   errMsg,
	}
}

func Status(status, message string) GenerationStatus {
	return GenerationStatus{Type: TypeGenerationStatus, Status: status, Message: message}
}

func Progress(percent int, message string) GenerationProgress {
	return GenerationProgress{Type: TypeGenerationProgress, Percent: percent, Message: message}
}

func Image(url, prompt string) ImageGenerated {
	return ImageGenerated{Type: TypeImageGenerated, URL: url, Prompt: prompt}
}
