package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the log file.
const (
	MaxSizeMB  = 100
	MaxBackups = 5
	MaxAgeDays = 14
)

// InitLogging sends the standard logger to stdout and, when file is set,
// to a size-rotated file as well. The returned closer releases the file.
func InitLogging(file string) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if file == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil)
	}
	lj := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
		MaxAge:     MaxAgeDays,
		Compress:   true,
		LocalTime:  true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj
}
