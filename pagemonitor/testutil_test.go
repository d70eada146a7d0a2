package pagemonitor

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

const testUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeEnv is a scriptable Environment.
type fakeEnv struct {
	ua          string
	platform    string
	vendor      string
	language    string
	languages   []string
	concurrency int
	touchPoints int
	screenW     int
	screenH     int
	hasScreen   bool
	dpr         float64
	tzName      string
	connType    string
	canvas      string
	fonts       string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		ua:          testUA,
		platform:    "Win32",
		vendor:      "Google Inc.",
		language:    "en-US",
		languages:   []string{"en-US", "en"},
		concurrency: 8,
		touchPoints: 0,
		screenW:     1920,
		screenH:     1080,
		hasScreen:   true,
		dpr:         1,
		tzName:      "America/New_York",
		connType:    "4g",
		canvas:      "data:image/png;base64,stub",
		fonts:       "Arial:120,Helvetica:118",
	}
}

func (e *fakeEnv) UserAgent() string            { return e.ua }
func (e *fakeEnv) Platform() string             { return e.platform }
func (e *fakeEnv) Vendor() string               { return e.vendor }
func (e *fakeEnv) VendorSub() string            { return "" }
func (e *fakeEnv) Product() string              { return "Gecko" }
func (e *fakeEnv) ProductSub() string           { return "20030107" }
func (e *fakeEnv) Language() string             { return e.language }
func (e *fakeEnv) Languages() []string          { return e.languages }
func (e *fakeEnv) HardwareConcurrency() int     { return e.concurrency }
func (e *fakeEnv) MaxTouchPoints() int          { return e.touchPoints }
func (e *fakeEnv) DevicePixelRatio() float64    { return e.dpr }
func (e *fakeEnv) TimezoneOffsetMinutes() int   { return 300 }
func (e *fakeEnv) TimezoneName() string         { return e.tzName }
func (e *fakeEnv) ConnectionType() string       { return e.connType }
func (e *fakeEnv) ConnectionKind() string       { return "wifi" }
func (e *fakeEnv) CanvasData() (string, error)  { return e.canvas, nil }
func (e *fakeEnv) FontMetrics() (string, error) { return e.fonts, nil }

func (e *fakeEnv) ScreenSize() (int, int, bool) {
	return e.screenW, e.screenH, e.hasScreen
}
func (e *fakeEnv) ColorDepth() (int, int, bool)   { return 24, 24, e.hasScreen }
func (e *fakeEnv) ViewportSize() (int, int, bool) { return 1600, 900, true }

func (e *fakeEnv) StorageAvailability() StorageAvailability {
	return StorageAvailability{Local: true, Session: true, IndexedDB: true}
}

// fakePage is a scriptable PageContext that records navigations.
type fakePage struct {
	mu         sync.Mutex
	url        string
	title      string
	referrer   string
	visibility string
	navigated  []string
}

func newFakePage(url, title string) *fakePage {
	return &fakePage{url: url, title: title, visibility: "visible"}
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *fakePage) Referrer() string { return p.referrer }

func (p *fakePage) Pathname() string {
	u := p.URL()
	if idx := strings.Index(u, "://"); idx >= 0 {
		u = u[idx+3:]
	}
	if idx := strings.Index(u, "/"); idx >= 0 {
		return u[idx:]
	}
	return "/"
}

func (p *fakePage) Hostname() string { return "example.com" }

func (p *fakePage) VisibilityState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibility
}

func (p *fakePage) Navigate(url string) {
	p.mu.Lock()
	p.navigated = append(p.navigated, url)
	p.mu.Unlock()
}

func (p *fakePage) setPage(url, title string) {
	p.mu.Lock()
	p.url = url
	p.title = title
	p.mu.Unlock()
}

func (p *fakePage) setVisibility(state string) {
	p.mu.Lock()
	p.visibility = state
	p.mu.Unlock()
}

func (p *fakePage) navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

// fakeEvents is an in-process EventTarget with a Dispatch helper.
type fakeEvents struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]ListenerFunc
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{listeners: make(map[string]map[int]ListenerFunc)}
}

func (f *fakeEvents) AddListener(eventType string, fn ListenerFunc) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners[eventType] == nil {
		f.listeners[eventType] = make(map[int]ListenerFunc)
	}
	id := f.nextID
	f.nextID++
	f.listeners[eventType][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[eventType], id)
	}
}

func (f *fakeEvents) Dispatch(eventType string, target Element) *DOMEvent {
	f.mu.Lock()
	fns := make([]ListenerFunc, 0, len(f.listeners[eventType]))
	for _, fn := range f.listeners[eventType] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	e := &DOMEvent{Type: eventType, Target: target}
	for _, fn := range fns {
		fn(e)
	}
	return e
}

func (f *fakeEvents) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, m := range f.listeners {
		total += len(m)
	}
	return total
}

// fakeHistory lets tests simulate client-side navigations.
type fakeHistory struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{fns: make(map[int]func())}
}

func (h *fakeHistory) OnChange(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.fns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.fns, id)
	}
}

func (h *fakeHistory) Trigger() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// beaconCall is one recorded beacon send.
type beaconCall struct {
	URL  string
	Body map[string]any
}

// fakeBeacon records every send; when fail is set it reports rejection.
type fakeBeacon struct {
	mu    sync.Mutex
	fail  bool
	calls []beaconCall
}

func (b *fakeBeacon) SendBeacon(url string, body []byte) bool {
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return false
	}
	b.calls = append(b.calls, beaconCall{URL: url, Body: m})
	return true
}

func (b *fakeBeacon) setFail(fail bool) {
	b.mu.Lock()
	b.fail = fail
	b.mu.Unlock()
}

func (b *fakeBeacon) recorded() []beaconCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]beaconCall(nil), b.calls...)
}

// waitForBeaconCalls polls until n calls are recorded or the deadline passes.
func waitForBeaconCalls(t *testing.T, b *fakeBeacon, n int) []beaconCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := b.recorded(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d beacon calls, got %d", n, len(b.recorded()))
	return nil
}

// failingStorage wraps MemoryStorage and fails writes on demand.
type failingStorage struct {
	*MemoryStorage
	mu         sync.Mutex
	failWrites bool
	maxValue   int // writes longer than this fail; 0 disables the limit
}

func newFailingStorage() *failingStorage {
	return &failingStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *failingStorage) SetItem(key, value string) error {
	s.mu.Lock()
	failWrites := s.failWrites
	maxValue := s.maxValue
	s.mu.Unlock()
	if failWrites {
		return errors.New("storage write failed")
	}
	if maxValue > 0 && len(value) > maxValue {
		return errors.New("quota exceeded")
	}
	return s.MemoryStorage.SetItem(key, value)
}

func (s *failingStorage) setFailWrites(fail bool) {
	s.mu.Lock()
	s.failWrites = fail
	s.mu.Unlock()
}

// fakeElement is a simple DOM node with a minimal selector matcher. The
// matcher understands tag names, .class, #id and [attr="value"] forms, plus
// comma-separated lists, which covers every selector the trackers use.
type fakeElement struct {
	tag    string
	attrs  map[string]string
	text   string
	href   string
	parent *fakeElement
}

func (e *fakeElement) TagName() string { return e.tag }

func (e *fakeElement) Attr(name string) string {
	return e.attrs[name]
}

func (e *fakeElement) HasAttr(name string) bool {
	_, ok := e.attrs[name]
	return ok
}

func (e *fakeElement) Text() string { return e.text }
func (e *fakeElement) Href() string { return e.href }

func (e *fakeElement) Matches(selector string) bool {
	for _, single := range strings.Split(selector, ",") {
		if e.matchesSingle(strings.TrimSpace(single)) {
			return true
		}
	}
	return false
}

func (e *fakeElement) matchesSingle(selector string) bool {
	if selector == "" {
		return false
	}
	switch selector[0] {
	case '.':
		for _, cls := range strings.Fields(e.attrs["class"]) {
			if cls == selector[1:] {
				return true
			}
		}
		return false
	case '#':
		return e.attrs["id"] == selector[1:]
	}

	tag := selector
	var attrExpr string
	if idx := strings.Index(selector, "["); idx >= 0 {
		tag = selector[:idx]
		attrExpr = strings.TrimSuffix(selector[idx+1:], "]")
	}
	if tag != "" && !strings.EqualFold(tag, e.tag) {
		return false
	}
	if attrExpr != "" {
		name, value, hasValue := strings.Cut(attrExpr, "=")
		value = strings.Trim(value, `"'`)
		if !hasValue {
			return e.HasAttr(name)
		}
		return e.attrs[name] == value
	}
	return true
}

func (e *fakeElement) Closest(selector string) Element {
	for node := e; node != nil; node = node.parent {
		if node.Matches(selector) {
			return node
		}
	}
	return nil
}
