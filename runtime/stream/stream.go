// Package stream defines the worker output stream: a finite, non-restartable
// sequence of frames terminated by a completion frame (or closed early by
// cancellation or timeout). Frames are the only channel through which worker
// progress reaches the rest of the kernel; consumers must assume at-most-once
// traversal.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// FrameType discriminates the frame variants.
type FrameType string

const (
	// FrameContent carries a chunk of task output.
	FrameContent FrameType = "content"
	// FrameToolCall reports a tool invocation requested by the worker.
	FrameToolCall FrameType = "tool_call"
	// FrameProgress reports completion percentage.
	FrameProgress FrameType = "progress"
	// FrameCompletion is the terminal frame carrying the task status. Every
	// finite stream ends with a completion frame unless it is closed due to
	// cancellation or timeout.
	FrameCompletion FrameType = "completion"
	// FrameLog carries a log line emitted by the worker. Unrecognized wire
	// records are classified as warn-level log frames rather than aborting
	// the stream.
	FrameLog FrameType = "log"
)

// Frame is one element of a worker output stream. Exactly the fields for the
// frame's Type are populated.
type Frame struct {
	// Type discriminates which variant this frame is.
	Type FrameType `json:"type"`
	// Data is the content chunk for FrameContent frames.
	Data []byte `json:"data,omitempty"`
	// Tool and Args describe the invocation for FrameToolCall frames.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	// Percent is the completion percentage for FrameProgress frames.
	Percent float64 `json:"percent,omitempty"`
	// Status is the terminal status for FrameCompletion frames.
	Status task.Status `json:"status,omitempty"`
	// Level and Text describe FrameLog frames.
	Level string `json:"level,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Content constructs a content-chunk frame.
func Content(data []byte) Frame {
	return Frame{Type: FrameContent, Data: data}
}

// ToolCall constructs a tool-call frame.
func ToolCall(tool string, args map[string]any) Frame {
	return Frame{Type: FrameToolCall, Tool: tool, Args: args}
}

// Progress constructs a progress frame.
func Progress(percent float64) Frame {
	return Frame{Type: FrameProgress, Percent: percent}
}

// Completion constructs the terminal frame for the given status.
func Completion(status task.Status) Frame {
	return Frame{Type: FrameCompletion, Status: status}
}

// Log constructs a log frame.
func Log(level, text string) Frame {
	return Frame{Type: FrameLog, Level: level, Text: text}
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameCompletion
}

// Encode serializes the frame into its length-prefixed wire form: the ASCII
// decimal byte length of the JSON body, a newline, then the body. Workers and
// transports use this symmetric form for framed stdout and peer streams.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append([]byte(fmt.Sprintf("%d\n", len(body))), body...), nil
}
