// Package stream turns provider events into framed output.
//
// Output is a sequence of frames:
//
//	<_bondmessage id="…" thread_id="…" agent_id="…" type="text" role="assistant" is_error="false" is_done="false">payload</_bondmessage>
//
// Frames never nest or overlap. A turn ends with either a done frame or a
// single error frame. A file that cannot be delivered gets its own error
// frame with is_done="false" and the turn goes on.
package stream

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmcarnahan/bondai/pkg/models"
)

// DoneMessage is the payload of the frame that ends a successful turn.
const DoneMessage = "Done."

// fileErrorMessage is the payload of the frame written in place of a file
// the sink could not deliver.
const fileErrorMessage = "Could not deliver file %q. Ask for it again or request a different format."

// ErrClosed is returned by writes after the turn ended.
var ErrClosed = errors.New("stream: emitter closed")

// FileSink renders a file event as a frame payload.
type FileSink interface {
	Handle(ctx context.Context, file models.FileEvent) (models.FramePayload, error)
}

// MessageRecorder persists a closed frame as one logical message.
type MessageRecorder interface {
	RecordMessage(ctx context.Context, msg models.Message) error
}

// State is the emitter state.
type State int

const (
	StateIdle State = iota
	StateTextOpen
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTextOpen:
		return "text_open"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures an Emitter.
type Config struct {
	ThreadID string
	AgentID  string

	// Files renders file events. Nil drops them with a warning.
	Files FileSink
	// Recorder receives every closed frame except the done frame.
	Recorder MessageRecorder
	// NewID generates frame ids. Defaults to uuid.NewString.
	NewID func() string
	// Now is the message clock. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Emitter frames one turn. It is not safe for concurrent use; the turn
// worker owns it and passes it down through every continuation so that the
// seen-file set spans the whole turn.
type Emitter struct {
	fw  *FrameWriter
	cfg Config

	state  State
	textID string
	text   strings.Builder

	seen   map[[sha256.Size]byte]struct{}
	frames int
	err    error
}

// NewEmitter returns an Emitter writing to w.
func NewEmitter(w io.Writer, cfg Config) *Emitter {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Emitter{
		fw:   NewFrameWriter(w),
		cfg:  cfg,
		seen: make(map[[sha256.Size]byte]struct{}),
	}
}

// State returns the current state.
func (e *Emitter) State() State { return e.state }

// Frames returns the number of frames written so far.
func (e *Emitter) Frames() int { return e.frames }

// Err returns the first write error, if any.
func (e *Emitter) Err() error { return e.err }

// Text appends chunk to the open text frame, opening one if needed.
func (e *Emitter) Text(ctx context.Context, chunk string) error {
	if err := e.writable(); err != nil {
		return err
	}
	if chunk == "" {
		return nil
	}
	if e.state != StateTextOpen {
		e.textID = e.cfg.NewID()
		e.text.Reset()
		if err := e.open(models.MessageFrame{
			ID:   e.textID,
			Type: models.FrameText,
			Role: models.RoleAssistant,
		}); err != nil {
			return err
		}
		e.state = StateTextOpen
	}
	e.text.WriteString(chunk)
	return e.latch(e.fw.Payload(chunk))
}

// File writes a file frame. An open text frame is closed first; a file whose
// content was already emitted in this turn is dropped. When the sink fails,
// a non-terminal error frame is written instead and the content stays
// eligible for a later delivery. The returned error is a write failure.
func (e *Emitter) File(ctx context.Context, file models.FileEvent) error {
	if err := e.writable(); err != nil {
		return err
	}
	if err := e.closeText(ctx); err != nil {
		return err
	}

	sum := fileHash(file)
	if _, dup := e.seen[sum]; dup {
		e.cfg.Logger.Debug("dropping duplicate file", "name", file.Name, "thread_id", e.cfg.ThreadID)
		return nil
	}

	if e.cfg.Files == nil {
		e.cfg.Logger.Warn("no file sink configured, dropping file", "name", file.Name)
		return nil
	}
	payload, err := e.cfg.Files.Handle(ctx, file)
	if err != nil {
		e.cfg.Logger.Warn("failed to deliver file",
			"name", file.Name,
			"thread_id", e.cfg.ThreadID,
			"error", err,
		)
		return e.fileError(ctx, file.Name)
	}
	e.seen[sum] = struct{}{}

	frame := models.MessageFrame{
		ID:   e.cfg.NewID(),
		Type: payload.Type,
		Role: models.RoleAssistant,
	}
	if err := e.writeFrame(frame, payload.Body); err != nil {
		return err
	}
	e.record(ctx, frame, payload.Body)
	return nil
}

func (e *Emitter) fileError(ctx context.Context, name string) error {
	if name == "" {
		name = "file"
	}
	msg := fmt.Sprintf(fileErrorMessage, name)
	frame := models.MessageFrame{
		ID:      e.cfg.NewID(),
		Type:    models.FrameError,
		Role:    models.RoleSystem,
		IsError: true,
	}
	if err := e.writeFrame(frame, msg); err != nil {
		return err
	}
	e.record(ctx, frame, msg)
	return nil
}

// Done closes any open frame and writes the done frame.
func (e *Emitter) Done(ctx context.Context) error {
	if err := e.writable(); err != nil {
		return err
	}
	if err := e.closeText(ctx); err != nil {
		return err
	}
	err := e.writeFrame(models.MessageFrame{
		ID:     e.cfg.NewID(),
		Type:   models.FrameText,
		Role:   models.RoleSystem,
		IsDone: true,
	}, DoneMessage)
	e.state = StateDone
	return err
}

// Fail closes any open frame and writes a single terminal error frame.
func (e *Emitter) Fail(ctx context.Context, msg string) error {
	if e.state == StateDone || e.state == StateError {
		return ErrClosed
	}
	if e.err != nil {
		e.state = StateError
		return e.err
	}
	if err := e.closeText(ctx); err != nil {
		e.state = StateError
		return err
	}
	frame := models.MessageFrame{
		ID:      e.cfg.NewID(),
		Type:    models.FrameError,
		Role:    models.RoleSystem,
		IsError: true,
		IsDone:  true,
	}
	err := e.writeFrame(frame, msg)
	e.state = StateError
	if err == nil {
		e.record(ctx, frame, msg)
	}
	return err
}

// FlushText closes the open text frame, if any.
func (e *Emitter) FlushText(ctx context.Context) error {
	if err := e.writable(); err != nil {
		return err
	}
	return e.closeText(ctx)
}

func (e *Emitter) closeText(ctx context.Context) error {
	if e.state != StateTextOpen {
		return nil
	}
	e.state = StateIdle
	if err := e.latch(e.fw.Close()); err != nil {
		return err
	}
	e.record(ctx, models.MessageFrame{
		ID:   e.textID,
		Type: models.FrameText,
		Role: models.RoleAssistant,
	}, e.text.String())
	e.text.Reset()
	return nil
}

func (e *Emitter) writeFrame(f models.MessageFrame, payload string) error {
	if err := e.open(f); err != nil {
		return err
	}
	if payload != "" {
		if err := e.latch(e.fw.Payload(payload)); err != nil {
			return err
		}
	}
	return e.latch(e.fw.Close())
}

func (e *Emitter) open(f models.MessageFrame) error {
	f.ThreadID = e.cfg.ThreadID
	f.AgentID = e.cfg.AgentID
	if err := e.latch(e.fw.Open(f)); err != nil {
		return err
	}
	e.frames++
	return nil
}

func (e *Emitter) record(ctx context.Context, f models.MessageFrame, content string) {
	if e.cfg.Recorder == nil {
		return
	}
	msg := models.Message{
		ID:        f.ID,
		ThreadID:  e.cfg.ThreadID,
		AgentID:   e.cfg.AgentID,
		Type:      f.Type,
		Role:      f.Role,
		Content:   content,
		IsError:   f.IsError,
		CreatedAt: e.cfg.Now(),
	}
	if err := e.cfg.Recorder.RecordMessage(ctx, msg); err != nil {
		e.cfg.Logger.Warn("failed to record message",
			"message_id", f.ID,
			"thread_id", e.cfg.ThreadID,
			"error", err,
		)
	}
}

func (e *Emitter) writable() error {
	if e.err != nil {
		return e.err
	}
	if e.state == StateDone || e.state == StateError {
		return ErrClosed
	}
	return nil
}

func (e *Emitter) latch(err error) error {
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("stream: write frame: %w", err)
	}
	return e.err
}

func fileHash(file models.FileEvent) [sha256.Size]byte {
	if len(file.Data) > 0 {
		return sha256.Sum256(file.Data)
	}
	return sha256.Sum256([]byte("ref:" + file.Reference))
}
