package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends records as JSON lines to a size-rotated file.
type FileSink struct {
	mu     sync.Mutex
	path   string
	writer *lumberjack.Logger
}

// FileSinkConfig contains configuration for file sink
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int // Rotate when the file reaches this size
	MaxBackups int // Number of rotated files to keep
	MaxAgeDays int
	Compress   bool
}

func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 100
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileSink{
		path: config.Path,
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
			LocalTime:  true,
		},
	}, nil
}

func (s *FileSink) Write(ctx context.Context, r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

func (s *FileSink) Name() string { return s.path }

func (s *FileSink) Type() string { return "file" }
