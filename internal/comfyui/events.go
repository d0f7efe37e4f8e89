package comfyui

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ─────────────────────────────────────────────
// Worker callback events
//
// The worker pushes {"type": ..., "data": {...}} frames. Only the five kinds
// below matter to the broker; every other type is reported as ErrIgnored.
// ─────────────────────────────────────────────

var (
	// ErrIgnored marks a well-formed frame of a type the broker does not consume.
	ErrIgnored = errors.New("ignored event type")
	// ErrMalformed marks a frame that is missing required fields.
	ErrMalformed = errors.New("malformed event")
)

// Event is one of ProgressEvent, ExecutedEvent, ExecutionErrorEvent,
// ExecutionInterruptedEvent or StatusEvent.
type Event interface {
	Type() string
}

// TerminalEvent is an Event after which the job leaves the tracker.
type TerminalEvent interface {
	Event
	Prompt() string
}

// ProgressEvent reports sampling steps for a running prompt.
type ProgressEvent struct {
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
}

// Image is one generated file.
type Image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ExecutedEvent reports a node's output. A prompt's final executed event
// carries the generated images; outputs without images are intermediate.
type ExecutedEvent struct {
	PromptID string  `json:"prompt_id"`
	Node     string  `json:"node"`
	Images   []Image `json:"images"`
}

// ExecutionErrorEvent reports a failed prompt.
type ExecutionErrorEvent struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}

// ExecutionInterruptedEvent reports a prompt stopped by /interrupt.
type ExecutionInterruptedEvent struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
}

// StatusEvent reports the worker's own queue depth.
type StatusEvent struct {
	QueueRemaining int `json:"queue_remaining"`
}

func (ProgressEvent) Type() string             { return "progress" }
func (ExecutedEvent) Type() string             { return "executed" }
func (ExecutionErrorEvent) Type() string       { return "execution_error" }
func (ExecutionInterruptedEvent) Type() string { return "execution_interrupted" }
func (StatusEvent) Type() string               { return "status" }

func (e ExecutedEvent) Prompt() string             { return e.PromptID }
func (e ExecutionErrorEvent) Prompt() string       { return e.PromptID }
func (e ExecutionInterruptedEvent) Prompt() string { return e.PromptID }

// ParseEvent decodes one text frame from the worker.
func ParseEvent(frame []byte) (Event, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "progress":
		var ev ProgressEvent
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		if ev.PromptID == "" {
			return nil, fmt.Errorf("%w: progress without prompt_id", ErrMalformed)
		}
		return ev, nil

	case "executed":
		var raw struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Output   *struct {
				Images []Image `json:"images"`
			} `json:"output"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return nil, err
		}
		ev := ExecutedEvent{PromptID: raw.PromptID, Node: raw.Node}
		if raw.Output != nil {
			ev.Images = raw.Output.Images
		}
		return ev, nil

	case "execution_error":
		var ev ExecutionErrorEvent
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case "execution_interrupted":
		var ev ExecutionInterruptedEvent
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case "status":
		var raw struct {
			Status *struct {
				ExecInfo *struct {
					QueueRemaining *int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return nil, err
		}
		if raw.Status == nil || raw.Status.ExecInfo == nil || raw.Status.ExecInfo.QueueRemaining == nil {
			return nil, fmt.Errorf("%w: status without exec_info.queue_remaining", ErrMalformed)
		}
		return StatusEvent{QueueRemaining: *raw.Status.ExecInfo.QueueRemaining}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnored, env.Type)
	}
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
