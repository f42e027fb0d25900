package executor

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

const maxLineBytes = 8 << 10

// lineLogger turns a unit's stderr into one debug entry per line.
type lineLogger struct {
	logger *zap.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newLineLogger(logger *zap.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line: keep it unless it grew too long
			if len(line) >= maxLineBytes {
				l.emit(line)
			} else {
				l.buf.Write(line)
			}
			break
		}
		l.emit(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.Bytes())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line []byte) {
	l.logger.Debug("unit stderr", zap.ByteString("line", line))
}
