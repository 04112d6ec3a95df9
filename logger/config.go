package logger

import (
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level        LogLevel
	Format       OutputFormat
	Outputs      []io.Writer
	Subsystem    string
	FileConfig   *FileConfig
	EnableCaller bool
}

// FileConfig holds file rotation configuration
type FileConfig struct {
	Filename   string // File path
	MaxSize    int    // Maximum size in megabytes
	MaxAge     int    // Maximum age in days
	MaxBackups int    // Maximum number of backup files
	Compress   bool
}

// DefaultConfig returns a console configuration writing to stdout at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:   InfoLevel,
		Format:  ConsoleFormat,
		Outputs: []io.Writer{os.Stdout},
	}
}
