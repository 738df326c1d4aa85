package v2

import "io"

// Config holds configuration for creating a logger instance
type Config struct {
	// Level is the minimum level (debug, info, warn, error)
	Level string

	// Format is the output format (text, json)
	Format string

	// Output is "stdout", "stderr" or a file path
	Output string

	// Writer overrides Output when set. Tests use it to capture entries.
	Writer io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}
