package proxy

import (
	"bufio"
	"io"
	"strings"
)

// SSEFrame is one Server-Sent Events frame. Multiple data lines are joined
// with a newline, per the SSE wire format.
type SSEFrame struct {
	Event string
	Data  string
	ID    string
}

// SSEScanner incrementally parses an event stream. Comment lines (leading
// colon) and unknown fields are ignored.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps a stream reader. Individual lines may be up to the
// body cap in size.
func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxBodyBytes)
	return &SSEScanner{scanner: s}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// A frame ends at a blank line; a trailing frame without one is still
// returned if it carries data.
func (s *SSEScanner) Next() (*SSEFrame, error) {
	frame := &SSEFrame{}
	var data []string
	sawField := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if !sawField {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSEField(line)
		switch field {
		case "event":
			frame.Event = value
			sawField = true
		case "data":
			data = append(data, value)
			sawField = true
		case "id":
			frame.ID = value
			sawField = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if sawField {
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return nil, io.EOF
}

func splitSSEField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	// A single leading space after the colon is part of the separator.
	value = strings.TrimPrefix(value, " ")
	return field, value
}
