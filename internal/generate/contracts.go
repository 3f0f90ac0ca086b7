package generate

import "context"

// FrameType is the normalized streaming frame kind produced by provider
// adapters. A stream is terminated by a done or error frame.
type FrameType string

const (
	FrameReasoning FrameType = "reasoning"
	FrameContent   FrameType = "content"
	FrameDone      FrameType = "done"
	FrameError     FrameType = "error"
)

// Frame is one streaming chunk from the inference endpoint.
type Frame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// Request is a single inference call.
type Request struct {
	SystemPrompt string   `json:"system_prompt"`
	UserPrompt   string   `json:"user_prompt"`
	Model        string   `json:"model"`
	MaxTokens    int      `json:"max_tokens"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// Usage reports token consumption of one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// Result is the complete payload of one inference call.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage,omitempty"`
}

// Provider is the normalized inference adapter contract. When onFrame is
// nil the adapter may skip streaming entirely; when set, it receives
// reasoning/content frames as they arrive. Terminal done/error frames are
// the driver's responsibility, not the adapter's.
type Provider interface {
	Complete(ctx context.Context, req Request, onFrame func(Frame)) (Result, error)
}

func emitFrame(onFrame func(Frame), f Frame) {
	if onFrame == nil {
		return
	}
	onFrame(f)
}
