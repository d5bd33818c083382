// Package sse reads and writes server-sent-event data frames.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DoneSentinel is the payload of the terminal frame.
const DoneSentinel = "[DONE]"

// ErrDone is returned by Reader.Next when the terminal frame is read.
var ErrDone = errors.New("sse: stream done")

// Writer writes data frames, flushing after each one when possible.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// JSON writes v as one frame.
func (w *Writer) JSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Raw(data)
}

// Raw writes data as one frame.
func (w *Writer) Raw(data []byte) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Done writes the terminal frame.
func (w *Writer) Done() error {
	return w.Raw([]byte(DoneSentinel))
}

// Reader splits a stream into data frames.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the payload of the next data frame. Multi-line frames are
// joined with newlines; comments and non-data fields are ignored. It returns
// ErrDone on the terminal frame and io.EOF when the stream ends without one.
func (r *Reader) Next() ([]byte, error) {
	var lines []string
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(lines) > 0 {
				return r.frame(lines)
			}
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			lines = append(lines, strings.TrimPrefix(data, " "))
		}

		if eof {
			if len(lines) > 0 {
				return r.frame(lines)
			}
			return nil, io.EOF
		}
	}
}

func (r *Reader) frame(lines []string) ([]byte, error) {
	data := strings.Join(lines, "\n")
	if strings.TrimSpace(data) == DoneSentinel {
		return nil, ErrDone
	}
	return []byte(data), nil
}
