package display

import (
	"bufio"
	"io"

	"pkt.systems/pslog"
)

// forwardLines relays a child's output stream to the structured log, one
// line per record, so X server noise ends up in the container log stream.
func forwardLines(log pslog.Logger, stream string, reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		log.Debug("component output", "stream", stream, "text", text)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("component output read failed", "stream", stream, "err", err)
	}
}
