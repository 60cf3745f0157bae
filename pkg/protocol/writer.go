package protocol

import (
	"fmt"
	"io"
	"sync"

	"github.com/dshills/flowagent/pkg/result"
)

// Writer serializes Results onto one output stream. Each Result becomes a
// single newline-terminated line written with one call under a mutex, so
// lines from concurrent producers never interleave.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	enc Encoder
}

// NewWriter returns a Writer encoding with enc.
func NewWriter(out io.Writer, enc Encoder) *Writer {
	return &Writer{out: out, enc: enc}
}

// Write encodes r and writes it as one line. A Result that cannot be
// encoded is replaced by a failed Ack so the consumer still gets a line.
func (w *Writer) Write(r result.Result) error {
	line, err := w.enc.Encode(r)
	if err != nil {
		fallback, ferr := w.enc.Encode(result.Fail(fmt.Sprintf("failed to encode response: %v", err)))
		if ferr != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		line = fallback
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, werr := w.out.Write(line); werr != nil {
		return fmt.Errorf("failed to write response: %w", werr)
	}
	return err
}
