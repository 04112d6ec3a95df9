package logger

import (
	"bytes"
	"io"
	"sync"
)

// GateState represents the state of the log gate
type GateState int

const (
	// GateClosed buffers writes until the gate opens
	GateClosed GateState = iota
	// GateOpen passes writes straight through
	GateOpen
)

// GatedWriter is an io.Writer that holds log output back until the gate is
// opened. The server keeps it closed while it prints its startup banner so the
// banner is not interleaved with initialization logs.
type GatedWriter struct {
	mu         sync.Mutex
	underlying io.Writer
	buffer     bytes.Buffer
	state      GateState
	maxBuffer  int
}

// GatedWriterConfig configures a GatedWriter
type GatedWriterConfig struct {
	Underlying   io.Writer
	InitialState GateState
	// MaxBufferSize limits buffered bytes (0 = unlimited). Oldest bytes are
	// discarded first.
	MaxBufferSize int
}

// NewGatedWriter creates a new gated writer
func NewGatedWriter(config GatedWriterConfig) *GatedWriter {
	if config.Underlying == nil {
		config.Underlying = io.Discard
	}
	return &GatedWriter{
		underlying: config.Underlying,
		state:      config.InitialState,
		maxBuffer:  config.MaxBufferSize,
	}
}

// Write implements io.Writer
func (gw *GatedWriter) Write(p []byte) (int, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return gw.underlying.Write(p)
	}

	if gw.maxBuffer > 0 && gw.buffer.Len()+len(p) > gw.maxBuffer {
		gw.buffer.Next(gw.buffer.Len() + len(p) - gw.maxBuffer)
	}
	return gw.buffer.Write(p)
}

// OpenGate flushes everything buffered so far and lets later writes through.
func (gw *GatedWriter) OpenGate() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return nil
	}
	gw.state = GateOpen
	return gw.flushLocked()
}

// CloseGate makes subsequent writes buffer again
func (gw *GatedWriter) CloseGate() {
	gw.mu.Lock()
	gw.state = GateClosed
	gw.mu.Unlock()
}

// Flush writes buffered logs without opening the gate
func (gw *GatedWriter) Flush() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.flushLocked()
}

func (gw *GatedWriter) flushLocked() error {
	if gw.buffer.Len() == 0 {
		return nil
	}
	if _, err := gw.underlying.Write(gw.buffer.Bytes()); err != nil {
		return err
	}
	gw.buffer.Reset()
	return nil
}

func (gw *GatedWriter) IsOpen() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.state == GateOpen
}

// BufferedSize returns the number of buffered bytes
func (gw *GatedWriter) BufferedSize() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.buffer.Len()
}

// GatedLogger is a Logger whose outputs go through a shared GatedWriter.
// Loggers derived from it write through the same gate.
type GatedLogger struct {
	Logger
	gate *GatedWriter
}

// NewGatedLogger creates a logger with gated output. When the gate config has
// no underlying writer, the first configured output is used.
func NewGatedLogger(config *Config, gateConfig GatedWriterConfig) (*GatedLogger, *GatedWriter) {
	if config == nil {
		config = DefaultConfig()
	}
	if gateConfig.Underlying == nil && len(config.Outputs) > 0 {
		gateConfig.Underlying = config.Outputs[0]
	}

	gate := NewGatedWriter(gateConfig)

	cfg := *config
	cfg.Outputs = []io.Writer{gate}

	return &GatedLogger{Logger: NewZerologLogger(&cfg), gate: gate}, gate
}

func (gl *GatedLogger) OpenGate() error {
	return gl.gate.OpenGate()
}

func (gl *GatedLogger) CloseGate() {
	gl.gate.CloseGate()
}

func (gl *GatedLogger) IsGateOpen() bool {
	return gl.gate.IsOpen()
}

func (gl *GatedLogger) BufferedSize() int {
	return gl.gate.BufferedSize()
}
