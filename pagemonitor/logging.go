package pagemonitor

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

var version = "0.1.0"

// NewLogger builds the SDK's diagnostic logger. Log output is the only
// observable surface of the agent; failures never propagate to the host.
func NewLogger(level string) zerolog.Logger {
	lvl := zerolog.WarnLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("component", "pagemonitor").Logger()
}

// BuildUserAgent creates the User-Agent string for the timed fallback request.
func BuildUserAgent() string {
	goVersion := strings.TrimPrefix(runtime.Version(), "go")
	return fmt.Sprintf("page-monitor-go/%s (Go/%s; %s/%s)", version, goVersion, runtime.GOOS, runtime.GOARCH)
}

// GetVersion returns the SDK version.
func GetVersion() string {
	return version
}
