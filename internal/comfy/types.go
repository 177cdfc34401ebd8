package comfy

import "encoding/json"

// PromptRequest is sent to POST /prompt.
type PromptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
}

// PromptResponse is returned from POST /prompt.
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// HistoryEntry contains execution history for a single prompt, as returned
// from GET /history/{prompt_id}.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  ExecutionStatus       `json:"status"`
}

// NodeOutput contains output data from a node.
type NodeOutput struct {
	Images []ImageRef `json:"images,omitempty"`
}

// ExecutionStatus indicates the status of an execution.
type ExecutionStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// ImageRef describes a generated image, addressable via GET /view.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadResponse is returned from POST /upload/image.
type UploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// WSMessage is a frame from the engine's WebSocket event stream. Data is
// decoded per Type.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event type discriminators on the engine stream.
const (
	EventProgress  = "progress"
	EventExecuting = "executing"
	EventExecuted  = "executed"
)

// ProgressData is the payload of "progress" messages.
type ProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
}

// ExecutingData is the payload of "executing" messages. Node is nil when a
// prompt finishes executing.
type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ExecutedData is the payload of "executed" messages.
type ExecutedData struct {
	Node     string     `json:"node"`
	PromptID string     `json:"prompt_id"`
	Output   NodeOutput `json:"output"`
}
