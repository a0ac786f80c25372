package comfy

import "encoding/json"

// Event kinds emitted by ComfyUI on the websocket channel. The stream carries
// more kinds than these; the service only reacts to progress and executed.
const (
	EventProgress = "progress"
	EventExecuted = "executed"
)

// frame is the wire envelope of every websocket event.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProgressEvent reports sampling progress for one in-flight prompt.
type ProgressEvent struct {
	PromptID string `json:"prompt_id"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
}

// ImageRef locates one produced image on the backend. Filename and Subfolder
// are pointers because the backend may emit null for either; a ref is only
// addressable when both are present.
type ImageRef struct {
	Filename  *string `json:"filename"`
	Subfolder *string `json:"subfolder"`
	Type      string  `json:"type"`
}

// Addressable reports whether the ref carries everything needed to build a
// retrieval URL for a final output.
func (r ImageRef) Addressable() bool {
	return r.Filename != nil && r.Subfolder != nil && r.Type == "output"
}

// ExecutedEvent carries the outputs of one node after it finished executing.
type ExecutedEvent struct {
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
	Output   struct {
		Images []ImageRef `json:"images"`
	} `json:"output"`
}
