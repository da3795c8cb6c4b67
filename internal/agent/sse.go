package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/juju/errors"
)

// FrameAck opens every event stream; its data carries the agent version.
const FrameAck = "wud:ack"

// Frame is one message of the agent event stream.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ackData struct {
	Version string `json:"version"`
}

type removedData struct {
	ID string `json:"id"`
}

// frameScanner splits an event stream into frames. Frames end on a blank
// line; the data lines of a frame are joined before decoding.
type frameScanner struct {
	r     *bufio.Reader
	frame Frame
	err   error
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next decodable frame. Undecodable frames are logged
// and skipped. It returns false at the end of the stream.
func (s *frameScanner) Next() bool {
	for {
		data, event, ok := s.block()
		if !ok {
			return false
		}
		var f Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			logger.Warningf("skipping malformed frame: %v", err)
			continue
		}
		// frames sent as "event: <type>" carry the bare payload
		if f.Type == "" && event != "" {
			f = Frame{Type: event, Data: json.RawMessage(data)}
		}
		if f.Type == "" {
			logger.Warningf("skipping frame without type")
			continue
		}
		s.frame = f
		return true
	}
}

// block reads lines up to the next blank line.
func (s *frameScanner) block() (string, string, bool) {
	var (
		data  []string
		event string
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				s.err = err
			}
			if len(data) > 0 && s.err == nil {
				return strings.Join(data, "\n"), event, true
			}
			return "", "", false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), event, true
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			event = value
		}
	}
}

func (s *frameScanner) Frame() Frame { return s.frame }

// Err returns the read error that ended the stream, nil on a clean end.
func (s *frameScanner) Err() error { return s.err }

// writeFrame writes one frame and flushes it to the client.
func writeFrame(w http.ResponseWriter, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Trace(err)
	}
	payload, err := json.Marshal(Frame{Type: typ, Data: raw})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := io.WriteString(w, "data: "+string(payload)+"\n\n"); err != nil {
		return errors.Trace(err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
