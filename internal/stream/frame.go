package stream

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmcarnahan/bondai/pkg/models"
)

const (
	frameTag      = "_bondmessage"
	frameCloseTag = "</" + frameTag + ">"
)

// FrameWriter writes tagged frames to an io.Writer. It does not track state;
// Emitter enforces ordering.
type FrameWriter struct {
	w *bufio.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// Open writes the open tag for f.
func (fw *FrameWriter) Open(f models.MessageFrame) error {
	_, err := fmt.Fprintf(fw.w,
		`<%s id="%s" thread_id="%s" agent_id="%s" type="%s" role="%s" is_error="%t" is_done="%t">`,
		frameTag,
		html.EscapeString(f.ID),
		html.EscapeString(f.ThreadID),
		html.EscapeString(f.AgentID),
		html.EscapeString(string(f.Type)),
		html.EscapeString(string(f.Role)),
		f.IsError,
		f.IsDone,
	)
	return err
}

// Payload writes raw payload bytes and flushes so the caller sees them
// immediately.
func (fw *FrameWriter) Payload(s string) error {
	if _, err := fw.w.WriteString(s); err != nil {
		return err
	}
	return fw.w.Flush()
}

// Close writes the close tag and flushes.
func (fw *FrameWriter) Close() error {
	if _, err := fw.w.WriteString(frameCloseTag); err != nil {
		return err
	}
	return fw.w.Flush()
}

// Frame is a parsed frame.
type Frame struct {
	models.MessageFrame
	Payload string
}

const openTagPattern = `<` + frameTag + `((?:\s+[a-z_]+="[^"]*")*)\s*>`

var (
	openTagRe = regexp.MustCompile(openTagPattern)
	nextTagRe = regexp.MustCompile(`\A\s*` + openTagPattern)
	attrRe    = regexp.MustCompile(`([a-z_]+)="([^"]*)"`)
)

// Parse reads every frame from r. Text before the first frame is ignored. A
// frame without a close tag is an error.
//
// Payloads are raw, so a text frame may itself contain the close tag. A close
// tag ends a frame only when it is followed by the end of input or by the
// next open tag; earlier occurrences belong to the payload.
func Parse(r io.Reader) ([]Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	rest := string(data)
	var frames []Frame
	for {
		loc := openTagRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			return frames, nil
		}
		frame := Frame{}
		for _, m := range attrRe.FindAllStringSubmatch(rest[loc[2]:loc[3]], -1) {
			setAttr(&frame.MessageFrame, m[1], html.UnescapeString(m[2]))
		}
		body := rest[loc[1]:]
		end := closeIndex(body)
		if end < 0 {
			return frames, fmt.Errorf("frame %q is not closed", frame.ID)
		}
		frame.Payload = body[:end]
		frames = append(frames, frame)
		rest = body[end+len(frameCloseTag):]
	}
}

// closeIndex returns the offset of the close tag that ends the frame
// starting at body, or -1.
func closeIndex(body string) int {
	off := 0
	for {
		i := strings.Index(body[off:], frameCloseTag)
		if i < 0 {
			return -1
		}
		end := off + i
		after := body[end+len(frameCloseTag):]
		if strings.TrimSpace(after) == "" || nextTagRe.MatchString(after) {
			return end
		}
		off = end + len(frameCloseTag)
	}
}

func setAttr(f *models.MessageFrame, name, value string) {
	switch name {
	case "id":
		f.ID = value
	case "thread_id":
		f.ThreadID = value
	case "agent_id":
		f.AgentID = value
	case "type":
		f.Type = models.FrameType(value)
	case "role":
		f.Role = models.Role(value)
	case "is_error":
		f.IsError, _ = strconv.ParseBool(value)
	case "is_done":
		f.IsDone, _ = strconv.ParseBool(value)
	}
}
