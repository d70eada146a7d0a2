package pagemonitor

import "time"

// Config holds agent configuration. It is immutable once handed to NewAgent.
// System and APIKey identify the site; when either is missing the agent
// disables itself instead of failing (fail-soft, a single warning is logged).
type Config struct {
	System     string
	APIKey     string
	APIBaseURL string

	// IsSpa enables client-side route-change interception.
	IsSpa bool
	// TrackDownloads enables the delegated download-click listener.
	TrackDownloads bool

	// MaxPendingItems caps the per-kind pending queue.
	MaxPendingItems int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	CustomEvents []CustomEventRule

	// ActiveTimeThreshold is the idle-detection window: it is both the
	// period of the activity check and, doubled, the inactivity span that
	// triggers a duration flush.
	ActiveTimeThreshold time.Duration
}

const (
	defaultMaxPendingItems     = 50
	defaultActiveTimeThreshold = 10 * time.Minute
	defaultLogLevel            = "warn"
	defaultAPIBaseURL          = "/api"
)

// DefaultConfig returns a Config with every optional field at its default.
// Callers fill in System, APIKey and APIBaseURL.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:          defaultAPIBaseURL,
		TrackDownloads:      true,
		MaxPendingItems:     defaultMaxPendingItems,
		LogLevel:            defaultLogLevel,
		ActiveTimeThreshold: defaultActiveTimeThreshold,
	}
}

// normalize fills zero-valued optional fields so a partially constructed
// Config behaves like DefaultConfig for the fields it left out.
func (c Config) normalize() Config {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.MaxPendingItems <= 0 {
		c.MaxPendingItems = defaultMaxPendingItems
	}
	if c.ActiveTimeThreshold <= 0 {
		c.ActiveTimeThreshold = defaultActiveTimeThreshold
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaultLogLevel
	}
	return c
}

// identityComplete reports whether the required identity fields are present.
func (c Config) identityComplete() bool {
	return c.System != "" && c.APIKey != ""
}
