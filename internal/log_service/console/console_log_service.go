package console

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnishMulay/memstripe/internal/log_service"
)

// ConsoleLogService writes human readable events through zerolog.
type ConsoleLogService struct {
	logger zerolog.Logger
}

func NewConsoleLogService(w io.Writer, nodeID string, minLogLevel string) *ConsoleLogService {
	if w == nil {
		w = os.Stderr
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stderr}).
		Level(log_service.ZerologLevel(minLogLevel)).
		With().
		Timestamp().
		Str("node", nodeID).
		Logger()
	return &ConsoleLogService{logger: logger}
}

func (c *ConsoleLogService) emit(e *zerolog.Event, event log_service.LogEvent) {
	if !event.Timestamp.IsZero() {
		e = e.Time("event_time", event.Timestamp)
	}
	e.Fields(event.Metadata).Msg(event.Message)
}

func (c *ConsoleLogService) Debug(event log_service.LogEvent) { c.emit(c.logger.Debug(), event) }
func (c *ConsoleLogService) Info(event log_service.LogEvent)  { c.emit(c.logger.Info(), event) }
func (c *ConsoleLogService) Warn(event log_service.LogEvent)  { c.emit(c.logger.Warn(), event) }
func (c *ConsoleLogService) Error(event log_service.LogEvent) { c.emit(c.logger.Error(), event) }

var _ log_service.LogService = (*ConsoleLogService)(nil)
