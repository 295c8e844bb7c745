package adapters

import (
	"bufio"
	"io"
	"strings"
)

// sseLines reads an SSE body line by line, yielding the trimmed payload of
// every "data:" line to fn. Returns early (without error) on a bare
// "data: [DONE]" sentinel. Non-data lines (event:, blank, comments) are
// skipped, matching every provider's SSE framing in this gateway.
func sseLines(body io.Reader, fn func(data string) (stop bool, err error)) error {
	reader := bufio.NewReaderSize(body, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if data, ok := strings.CutPrefix(trimmed, "data:"); ok {
				data = strings.TrimSpace(data)
				if data == "[DONE]" {
					return nil
				}
				stop, fnErr := fn(data)
				if fnErr != nil {
					return fnErr
				}
				if stop {
					return nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
