package daemon

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a logger writing to path with size-based rotation, or to
// stderr when path is empty. maxSizeMB <= 0 uses lumberjack's default. The
// returned closer releases the file.
func NewLogger(path string, maxSizeMB int, prefix string) (*log.Logger, io.Closer) {
	if path == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags), io.NopCloser(nil)
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	return log.New(w, prefix, log.LstdFlags), w
}
