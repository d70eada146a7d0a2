package pagemonitor

// EventKind tags the variants of the tracking-event union.
type EventKind string

const (
	KindPageView EventKind = "pageview"
	KindDownload EventKind = "download"
	KindEvent    EventKind = "event"
	KindDuration EventKind = "duration"

	// Unload-class kinds are emitted while the page is going away and must
	// take the fire-and-forget path unconditionally.
	KindPageUnload   EventKind = "page_unload"
	KindBeforeUnload EventKind = "beforeunload"
)

// unloadClass reports whether delivery may still be racing page teardown.
func (k EventKind) unloadClass() bool {
	return k == KindPageUnload || k == KindBeforeUnload
}

// retryKinds are the kinds replayed from the pending queue.
var retryKinds = []EventKind{KindPageView, KindDownload, KindEvent}

// TechInfo is the payload envelope computed per event. It is never emitted
// when the user agent or current URL is unavailable, or when browser, OS and
// device detection all fail at once.
type TechInfo struct {
	UserAgent       string `json:"userAgent"`
	Browser         string `json:"browser"`
	OS              string `json:"os"`
	Device          string `json:"device"`
	Screen          string `json:"screen"`
	Language        string `json:"language"`
	ConnectionType  string `json:"connectionType"`
	Timestamp       string `json:"timestamp"`
	URL             string `json:"url"`
	PageTitle       string `json:"pageTitle"`
	Referrer        string `json:"referrer"`
	Pathname        string `json:"pathname"`
	Hostname        string `json:"hostname"`
	UserFingerprint string `json:"userFingerprint"`
}

// PageViewEvent records one page view.
type PageViewEvent struct {
	TechInfo
}

// DownloadEvent records a classified download click.
type DownloadEvent struct {
	TechInfo
	DownloadURL string `json:"downloadUrl"`
	FileName    string `json:"fileName"`
	LinkText    string `json:"linkText"`
	SourcePage  string `json:"sourcePage"`
	ElementType string `json:"elementType"`
}

// CustomEvent records a configured selector-based interaction.
type CustomEvent struct {
	TechInfo
	EventType        string            `json:"eventType"`
	EventCategory    string            `json:"eventCategory"`
	EventAction      string            `json:"eventAction"`
	EventLabel       string            `json:"eventLabel"`
	Selector         string            `json:"selector"`
	ElementText      string            `json:"elementText"`
	CustomProperties map[string]string `json:"customProperties"`
}

// DurationEvent records the dwell time of one visible interval.
type DurationEvent struct {
	TechInfo
	Duration      int    `json:"duration"` // seconds, rounded
	EntryTime     string `json:"entryTime"`
	ExitTime      string `json:"exitTime"`
	IsPageVisible bool   `json:"isPageVisible"`
}

// CustomEventRule configures one delegated listener. Properties may carry
// "category", "action" and "label" overrides for the emitted event.
type CustomEventRule struct {
	Selector   string            `json:"selector"`
	EventType  string            `json:"eventType,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Status is the snapshot returned by Agent.GetStatus.
type Status struct {
	CurrentURL       string         `json:"currentUrl"`
	PageTitle        string         `json:"pageTitle"`
	APIBaseURL       string         `json:"apiBaseUrl"`
	PendingTrackings map[string]int `json:"pendingTrackings"`
}
