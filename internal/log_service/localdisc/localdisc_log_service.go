// Package localdisc writes one JSON object per event to <logDir>/<nodeID>.log.
package localdisc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AnishMulay/memstripe/internal/log_service"
)

type LocalDiscLogService struct {
	path string
	file *os.File

	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewLocalDiscLogService appends to <logDir>/<nodeID>.log, creating logDir
// as needed. Without minLogLevel every event is kept.
func NewLocalDiscLogService(logDir string, nodeID string, minLogLevel ...string) (*LocalDiscLogService, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, nodeID+".log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	level := zerolog.DebugLevel
	if len(minLogLevel) > 0 && minLogLevel[0] != "" {
		level = log_service.ZerologLevel(minLogLevel[0])
	}
	return &LocalDiscLogService{
		path:   path,
		file:   file,
		logger: zerolog.New(file).Level(level).With().Timestamp().Str("node", nodeID).Logger(),
	}, nil
}

func (ls *LocalDiscLogService) Path() string { return ls.path }

func (ls *LocalDiscLogService) SetMinLogLevel(level string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.logger = ls.logger.Level(log_service.ZerologLevel(level))
}

func (ls *LocalDiscLogService) DisableFiltering() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.logger = ls.logger.Level(zerolog.TraceLevel)
}

func (ls *LocalDiscLogService) Close() error {
	return ls.file.Close()
}

func (ls *LocalDiscLogService) write(level zerolog.Level, event log_service.LogEvent) {
	ls.mu.RLock()
	logger := ls.logger
	ls.mu.RUnlock()

	// nil when the level is filtered out; zerolog events are nil-safe
	e := logger.WithLevel(level)
	if !event.Timestamp.IsZero() {
		e = e.Time("event_time", event.Timestamp)
	}
	e.Fields(event.Metadata).Msg(event.Message)
}

func (ls *LocalDiscLogService) Debug(event log_service.LogEvent) {
	ls.write(zerolog.DebugLevel, event)
}

func (ls *LocalDiscLogService) Info(event log_service.LogEvent) {
	ls.write(zerolog.InfoLevel, event)
}

func (ls *LocalDiscLogService) Warn(event log_service.LogEvent) {
	ls.write(zerolog.WarnLevel, event)
}

func (ls *LocalDiscLogService) Error(event log_service.LogEvent) {
	ls.write(zerolog.ErrorLevel, event)
}

var _ log_service.LogService = (*LocalDiscLogService)(nil)
