package log_service

import "github.com/rs/zerolog"

// ZerologLevel maps a level name to the zerolog level of the same rank.
func ZerologLevel(level string) zerolog.Level {
	switch GetLevelValue(level) {
	case DebugLevelValue:
		return zerolog.DebugLevel
	case WarnLevelValue:
		return zerolog.WarnLevel
	case ErrorLevelValue:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
