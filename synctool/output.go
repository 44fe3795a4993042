package synctool

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogWriter forwards complete lines written to it to a logger. It is used as
// a streaming sink for the tool's stdout and stderr.
type LogWriter struct {
	logger *zap.SugaredLogger
	stream string
	mu     sync.Mutex
	buf    strings.Builder
}

// NewLogWriter creates a sink that logs each line with the given stream name.
func NewLogWriter(logger *zap.SugaredLogger, stream string) *LogWriter {
	return &LogWriter{logger: logger, stream: stream}
}

func (l *LogWriter) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)
		l.emit(line)
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *LogWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit(l.buf.String())
	l.buf.Reset()
}

func (l *LogWriter) emit(line string) {
	if line = strings.TrimSpace(line); line == "" {
		return
	}
	if l.stream == "stderr" {
		l.logger.Warnw("Sync tool output", "stream", l.stream, "message", line)
	} else {
		l.logger.Debugw("Sync tool output", "stream", l.stream, "message", line)
	}
}
