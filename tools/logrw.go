package tools

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

// LogReadWriter wraps the control connection and logs every command and reply
// at debug level. Passwords are never logged.
type LogReadWriter struct {
	ReadWriter io.ReadWriter
	logger     *slog.Logger
}

func (rw *LogReadWriter) Read(b []byte) (int, error) {
	n, err := rw.ReadWriter.Read(b)
	if rw.logger != nil && n > 0 {
		rw.logger.Debug("Request", "body", IsPrintable(Redact(string(b[:n]))))
	}
	return n, err
}

func (rw *LogReadWriter) Write(b []byte) (int, error) {
	if rw.logger != nil {
		rw.logger.Debug("Respond", "body", IsPrintable(b))
	}
	return rw.ReadWriter.Write(b)
}

// NewLogReadWriter creates a new LogReadWriter.
func NewLogReadWriter(rw io.ReadWriter, logger *slog.Logger) *LogReadWriter {
	return &LogReadWriter{ReadWriter: rw, logger: logger}
}

// BufLogReadWriter reads lines through a buffer and writes straight to the
// logged connection.
type BufLogReadWriter struct {
	io.Writer
	*bufio.Reader
}

// NewBufLogReadWriter wraps rw in a LogReadWriter with a buffered reader on top.
func NewBufLogReadWriter(rw io.ReadWriter, logger *slog.Logger) *BufLogReadWriter {
	lrw := NewLogReadWriter(rw, logger)
	return &BufLogReadWriter{
		Reader: bufio.NewReader(lrw),
		Writer: lrw,
	}
}

// Redact hides the argument of every PASS command in text.
func Redact(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if len(line) >= 4 && strings.EqualFold(line[:4], "PASS") {
			lines[i] = "PASS ***"
		}
	}
	return strings.Join(lines, "\n")
}

// CountingReadWriter counts the bytes going through an io.ReadWriter.
type CountingReadWriter struct {
	rw      io.ReadWriter
	read    atomic.Int64
	written atomic.Int64
}

func NewCountingReadWriter(rw io.ReadWriter) *CountingReadWriter {
	return &CountingReadWriter{rw: rw}
}

func (c *CountingReadWriter) Read(b []byte) (int, error) {
	n, err := c.rw.Read(b)
	c.read.Add(int64(n))
	return n, err
}

func (c *CountingReadWriter) Write(b []byte) (int, error) {
	n, err := c.rw.Write(b)
	c.written.Add(int64(n))
	return n, err
}

func (c *CountingReadWriter) BytesRead() int64 {
	return c.read.Load()
}

func (c *CountingReadWriter) BytesWritten() int64 {
	return c.written.Load()
}
