package pagemonitor

import "time"

// StorageAvailability reports which storage-related browser APIs are usable.
// Each flag is read independently so a single disabled API never hides the
// others.
type StorageAvailability struct {
	Local          bool
	Session        bool
	IndexedDB      bool
	StorageManager bool
	ServiceWorker  bool
	Permissions    bool
	Geolocation    bool
}

// Environment exposes the device and browser signals the probe layer reads.
// Implementations may be backed by a real browser bridge, the host process
// (see HostEnvironment), or fakes in tests. Accessors are expected to be
// cheap; failures inside an implementation are contained by the probe layer.
type Environment interface {
	UserAgent() string
	Platform() string
	Vendor() string
	VendorSub() string
	Product() string
	ProductSub() string
	Language() string
	Languages() []string
	HardwareConcurrency() int
	MaxTouchPoints() int

	// ScreenSize reports the physical screen dimensions. ok is false when
	// no screen information is available.
	ScreenSize() (width, height int, ok bool)
	ColorDepth() (depth, pixelDepth int, ok bool)
	DevicePixelRatio() float64
	ViewportSize() (width, height int, ok bool)

	// TimezoneOffsetMinutes follows the Date.getTimezoneOffset convention:
	// minutes behind UTC, so UTC+8 reports -480.
	TimezoneOffsetMinutes() int
	TimezoneName() string

	StorageAvailability() StorageAvailability

	// ConnectionType is the effective connection type ("4g", "wifi", ...);
	// ConnectionKind is the physical type when known.
	ConnectionType() string
	ConnectionKind() string

	// CanvasData returns the data URL of a deterministic canvas render.
	CanvasData() (string, error)
	// FontMetrics returns the joined font-width measurement string.
	FontMetrics() (string, error)
}

// PageContext exposes the current document. Navigate performs a real
// navigation and is used to resume a download after the tracking send.
type PageContext interface {
	URL() string
	Title() string
	Referrer() string
	Pathname() string
	Hostname() string

	// VisibilityState is "visible" or "hidden".
	VisibilityState() string

	Navigate(url string)
}

// Element is a minimal view of a DOM node involved in a dispatched event.
type Element interface {
	// TagName is lowercase ("a", "button").
	TagName() string
	// Attr returns "" when the attribute is absent.
	Attr(name string) string
	HasAttr(name string) bool
	Text() string
	Matches(selector string) bool
	// Closest returns nil when no ancestor (including the element itself)
	// matches the selector.
	Closest(selector string) Element
	// Href is the resolved link target, "" for non-links.
	Href() string
}

// DOMEvent is the event object handed to listeners.
type DOMEvent struct {
	Type   string
	Target Element

	prevented bool
}

// PreventDefault suppresses the default action of the event, mirroring the
// DOM call of the same name.
func (e *DOMEvent) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether PreventDefault was called.
func (e *DOMEvent) DefaultPrevented() bool { return e.prevented }

// ListenerFunc handles a dispatched event.
type ListenerFunc func(*DOMEvent)

// EventTarget registers delegated listeners at the document level. The
// returned function removes the listener; every listener the agent installs
// keeps its remover so teardown is clean.
type EventTarget interface {
	AddListener(eventType string, fn ListenerFunc) (remove func())
}

// HistoryHook observes client-side navigation, covering the
// pushState/replaceState interception plus the back/forward event.
type HistoryHook interface {
	OnChange(fn func()) (remove func())
}

// LocalStorage is the durable key/value store backing the pending queue and
// the fallback fingerprint. GetItem returns ("", nil) for an absent key.
type LocalStorage interface {
	GetItem(key string) (string, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// BeaconSender is the fire-and-forget transport. The returned bool only
// means the payload was accepted for delivery, not that it arrived.
type BeaconSender interface {
	SendBeacon(url string, body []byte) bool
}

// Clock abstracts time for the dwell-time accounting so tests can drive it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Browser bundles the capabilities the agent runs against. A nil field means
// the capability is unavailable and the agent degrades for that capability
// alone: nil Beacon skips the beacon tier, nil Storage disables retry
// persistence, nil History disables SPA interception.
type Browser struct {
	Env     Environment
	Page    PageContext
	Events  EventTarget
	History HistoryHook
	Storage LocalStorage
	Beacon  BeaconSender
	Clock   Clock
}

func (b *Browser) clock() Clock {
	if b.Clock == nil {
		return systemClock{}
	}
	return b.Clock
}
