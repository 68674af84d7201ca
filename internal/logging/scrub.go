package logging

import (
	"io"
	"regexp"
)

// ipPattern matches IPv4 dotted-quad addresses that may appear in log lines
// (peer addresses, relay addresses). Scrubbing these before they hit disk
// mirrors the privacy posture of the teacher's common/safelog.LogScrubber,
// which the original snowflake tree wraps around log.SetOutput.
var ipPattern = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)

// scrubWriter redacts IPv4 addresses from every write before forwarding to
// the underlying sink.
type scrubWriter struct {
	out io.Writer
}

func (s *scrubWriter) Write(p []byte) (int, error) {
	scrubbed := ipPattern.ReplaceAll(p, []byte("[scrubbed]"))
	if _, err := s.out.Write(scrubbed); err != nil {
		return 0, err
	}
	// Report the original length so zerolog doesn't treat this as a short write.
	return len(p), nil
}
