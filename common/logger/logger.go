package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger: human-readable output on stdout and, when
// file is set, JSON lines appended to ./logs/<file>. The closer releases the file.
func Init(service, level, file string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	var closer io.Closer = nopCloser{}
	if file != "" {
		if err := os.MkdirAll("logs", 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		f, err := os.OpenFile(filepath.Join("logs", file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writers = append(writers, f)
		closer = f
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("service", service).Logger()
	log.Logger = l
	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
