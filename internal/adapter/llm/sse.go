package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"fnord/internal/domain"
)

// maxSSELine bounds a single SSE line. Large tool-call argument chunks
// can exceed bufio.Scanner's default.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using the provider-specific parseLine function.
//
// The stream ends at "data: [DONE]", at EOF, or when ctx is cancelled. A read
// error is delivered as a final delta with Err wrapping
// domain.ErrStreamTruncated. Deltas after a finish reason are still
// forwarded because some APIs send usage in a trailing chunk.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			delta, err := parseLine(data)
			if err != nil || delta == nil {
				// Skip unparseable lines.
				continue
			}
			if !send(*delta) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.StreamDelta{Err: fmt.Errorf("%w: %w", domain.ErrStreamTruncated, err)})
		}
	}()
	return ch
}
