// Package sink holds the display side of the link: where log lines and
// completed messages end up.
package sink

import (
	"time"

	"github.com/user/btraced/link"
	"github.com/user/btraced/logger"
)

const logPrefix = "Display"

// Logger writes through the process logger. Log lines go out at DEBUG since
// the link already logs them at their own level.
type Logger struct{}

func (Logger) LogLine(text string) {
	logger.Debug(logPrefix, "%s", text)
}

func (Logger) DeliverMessage(msg []byte) {
	logger.Info(logPrefix, "message (%d bytes): %s", len(msg), msg)
}

// Multi fans every call out to each sink in order
type Multi []link.Sink

func (m Multi) LogLine(text string) {
	for _, s := range m {
		s.LogLine(text)
	}
}

func (m Multi) DeliverMessage(msg []byte) {
	for _, s := range m {
		s.DeliverMessage(msg)
	}
}

// TimeLayout is the clock prefix on timestamped log lines
const TimeLayout = "15:04:05.000"

// Timestamped prefixes each log line with the time it was written
type Timestamped struct {
	Sink link.Sink
	// Now defaults to time.Now
	Now func() time.Time
}

func (t Timestamped) LogLine(text string) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	t.Sink.LogLine(now().Format(TimeLayout) + " " + text)
}

func (t Timestamped) DeliverMessage(msg []byte) {
	t.Sink.DeliverMessage(msg)
}
