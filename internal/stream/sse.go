package stream

import (
	"bufio"
	"io"
	"strings"
)

// frame is one server-sent event before decoding. id is set only when the
// frame itself carried an id field.
type frame struct {
	event string
	data  string
	id    string
}

// maxFrameLine bounds a single line of the stream.
const maxFrameLine = 1024 * 1024

// readFrames parses a text/event-stream body and calls fn for every frame
// that carries data, in arrival order. It returns when r is exhausted, r
// fails, or fn returns an error.
func readFrames(r io.Reader, fn func(frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameLine)

	var (
		cur  frame
		data []string
	)
	flush := func() error {
		if len(data) == 0 {
			cur = frame{}
			return nil
		}
		cur.data = strings.Join(data, "\n")
		err := fn(cur)
		cur = frame{}
		data = data[:0]
		return err
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.event = value
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				cur.id = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// A trailing frame without its blank line is incomplete and dropped.
	return nil
}
