package config

import "github.com/aleybovich/carrot-lite/logger"

// LoggingConfig defines configuration for logging behavior
type LoggingConfig struct {
	// DisableLogging completely disables all logging when true
	// Default is false
	DisableLogging bool

	// CustomLogger allows providing a custom logger implementation
	// Cannot be used together with DisableLogging
	CustomLogger logger.Logger
}
