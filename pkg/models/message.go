package models

import (
	"time"
)

// Role indicates the author of a frame or message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// FrameType is the payload kind carried by a MessageFrame.
type FrameType string

const (
	FrameText      FrameType = "text"
	FrameImageFile FrameType = "image_file"
	FrameFileLink  FrameType = "file_link"
	FrameError     FrameType = "error"
)

// MessageFrame is the header of one caller-visible unit of output. The
// payload travels between the open and close tags of the frame.
type MessageFrame struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	AgentID  string    `json:"agent_id"`
	Type     FrameType `json:"type"`
	Role     Role      `json:"role"`
	IsError  bool      `json:"is_error"`
	IsDone   bool      `json:"is_done"`
}

// FramePayload is a rendered frame body produced by a FileSink.
type FramePayload struct {
	Type FrameType `json:"type"`
	Body string    `json:"body"`
}

// Message is one logical, persisted message: the full content of a closed
// frame.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	AgentID   string    `json:"agent_id"`
	Type      FrameType `json:"type"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the provider session tracked per thread. State is opaque to the
// engine and only interpreted by the provider adapter.
type Session struct {
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	State     []byte    `json:"state,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
