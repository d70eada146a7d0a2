package pagemonitor

import (
	"net/http"
	"regexp"
	"testing"
	"time"
)

type agentFixture struct {
	env     *fakeEnv
	page    *fakePage
	events  *fakeEvents
	history *fakeHistory
	storage *failingStorage
	beacon  *fakeBeacon
	clock   *fakeClock
	browser *Browser
}

func newAgentFixture() *agentFixture {
	f := &agentFixture{
		env:     newFakeEnv(),
		page:    newFakePage("https://example.com/home", "Home"),
		events:  newFakeEvents(),
		history: newFakeHistory(),
		storage: newFailingStorage(),
		beacon:  &fakeBeacon{},
		clock:   newFakeClock(),
	}
	f.browser = &Browser{
		Env:     f.env,
		Page:    f.page,
		Events:  f.events,
		History: f.history,
		Storage: f.storage,
		Beacon:  f.beacon,
		Clock:   f.clock,
	}
	return f
}

func testAgentConfig() Config {
	cfg := DefaultConfig()
	cfg.System = "docs"
	cfg.APIKey = "key-1"
	cfg.APIBaseURL = "https://example.com/api"
	return cfg
}

func TestAgentDisabledWithoutIdentity(t *testing.T) {
	f := newAgentFixture()
	cfg := testAgentConfig()
	cfg.APIKey = ""

	a := NewAgent(cfg, f.browser)
	a.Start()

	// A disabled agent must leave the page completely alone.
	if got := f.events.Count(); got != 0 {
		t.Errorf("listeners = %d, want 0", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(f.beacon.recorded()); got != 0 {
		t.Errorf("beacon calls = %d, want 0", got)
	}
}

func TestAgentNilBrowser(t *testing.T) {
	a := NewAgent(testAgentConfig(), nil)

	// Every public entry point stays a safe no-op.
	a.Start()
	a.UpdateCurrentURL("https://example.com/x", "X")
	status := a.GetStatus()
	a.Destroy()

	if status.APIBaseURL != "https://example.com/api" {
		t.Errorf("APIBaseURL = %q", status.APIBaseURL)
	}
	if status.CurrentURL != "" || len(status.PendingTrackings) != 0 {
		t.Errorf("status = %+v, want empty", status)
	}
}

func TestAgentStartEmitsPageView(t *testing.T) {
	f := newAgentFixture()
	a := NewAgent(testAgentConfig(), f.browser)
	defer a.Destroy()

	a.Start()

	calls := waitForBeaconCalls(t, f.beacon, 1)
	body := calls[0].Body
	if body["url"] != "https://example.com/home" || body["pageTitle"] != "Home" {
		t.Errorf("page view = %v / %v", body["url"], body["pageTitle"])
	}
	fp, _ := body["userFingerprint"].(string)
	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(fp) {
		t.Errorf("userFingerprint = %q, want a hash digest", fp)
	}
	if body["browser"] != "Chrome" || body["os"] != "Windows" {
		t.Errorf("detection = %v / %v", body["browser"], body["os"])
	}
}

func TestAgentStartIdempotent(t *testing.T) {
	f := newAgentFixture()
	a := NewAgent(testAgentConfig(), f.browser)
	defer a.Destroy()

	a.Start()
	waitForBeaconCalls(t, f.beacon, 1)
	listeners := f.events.Count()

	a.Start()
	time.Sleep(30 * time.Millisecond)
	if got := len(f.beacon.recorded()); got != 1 {
		t.Errorf("beacon calls after second Start = %d, want 1", got)
	}
	if got := f.events.Count(); got != listeners {
		t.Errorf("listeners after second Start = %d, want %d", got, listeners)
	}
}

func TestAgentOfflineThenDrain(t *testing.T) {
	srv, _ := newCollectorStub(t, http.StatusServiceUnavailable)
	f := newAgentFixture()
	f.beacon.setFail(true)
	cfg := testAgentConfig()
	cfg.APIBaseURL = srv.URL + "/api"

	a := NewAgent(cfg, f.browser)
	defer a.Destroy()
	a.Start()

	// Both delivery tiers fail; the page view lands in the pending queue.
	deadline := time.Now().Add(2 * time.Second)
	for a.queue.Depth(KindPageView) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.queue.Depth(KindPageView); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}

	// Connectivity returns; a drain replays and clears the queue.
	f.beacon.setFail(false)
	a.delivery.DrainPending()
	if got := a.queue.Depth(KindPageView); got != 0 {
		t.Errorf("queued after drain = %d, want 0", got)
	}
	if got := len(f.beacon.recorded()); got != 1 {
		t.Errorf("replayed sends = %d, want 1", got)
	}
}

func TestAgentUpdateCurrentURL(t *testing.T) {
	f := newAgentFixture()
	a := NewAgent(testAgentConfig(), f.browser)
	defer a.Destroy()
	a.Start()
	waitForBeaconCalls(t, f.beacon, 1)

	a.UpdateCurrentURL("https://example.com/pricing", "Pricing")

	calls := waitForBeaconCalls(t, f.beacon, 2)
	if calls[1].Body["url"] != "https://example.com/pricing" {
		t.Errorf("url = %v", calls[1].Body["url"])
	}

	status := a.GetStatus()
	if status.CurrentURL != "https://example.com/pricing" || status.PageTitle != "Pricing" {
		t.Errorf("status = %+v", status)
	}
}

func TestAgentGetStatus(t *testing.T) {
	f := newAgentFixture()
	a := NewAgent(testAgentConfig(), f.browser)

	status := a.GetStatus()
	if status.CurrentURL != "https://example.com/home" || status.PageTitle != "Home" {
		t.Errorf("page = %q / %q", status.CurrentURL, status.PageTitle)
	}
	if status.APIBaseURL != "https://example.com/api" {
		t.Errorf("APIBaseURL = %q", status.APIBaseURL)
	}
	for _, kind := range []string{"pageview", "download", "event"} {
		if n, ok := status.PendingTrackings[kind]; !ok || n != 0 {
			t.Errorf("PendingTrackings[%s] = %d (present %v)", kind, n, ok)
		}
	}
}

func TestAgentDestroyRemovesListeners(t *testing.T) {
	f := newAgentFixture()
	a := NewAgent(testAgentConfig(), f.browser)
	a.Start()
	waitForBeaconCalls(t, f.beacon, 1)

	if f.events.Count() == 0 {
		t.Fatal("Start registered no listeners")
	}
	a.Destroy()
	if got := f.events.Count(); got != 0 {
		t.Errorf("listeners after Destroy = %d, want 0", got)
	}

	// Calls after Destroy are no-ops.
	a.UpdateCurrentURL("https://example.com/gone", "Gone")
	time.Sleep(30 * time.Millisecond)
	if got := len(f.beacon.recorded()); got != 1 {
		t.Errorf("beacon calls after Destroy = %d, want 1", got)
	}
}
