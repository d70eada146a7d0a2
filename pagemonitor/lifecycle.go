package pagemonitor

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// activityEvents are the interactions that refresh the idle clock.
var activityEvents = []string{"mousemove", "keydown", "scroll", "click", "touchstart"}

// PageLifecycleTracker owns page-view emission, SPA route-change detection
// and visibility/idle-based dwell-time accounting.
//
// The tracked page is assumed visible and active on construction. Within one
// page lifetime the page-view always precedes the duration event, and a route
// change closes the old page with a duration event strictly before the new
// page's view is emitted; downstream aggregation keys on that order.
type PageLifecycleTracker struct {
	mu         sync.Mutex
	currentURL string
	pageTitle  string
	entryTime  time.Time
	lastActive time.Time
	visible    bool

	browser  *Browser
	delivery *DeliveryChannel
	techInfo func() *TechInfo
	log      zerolog.Logger

	threshold        time.Duration
	routeSettleDelay time.Duration
	isSpa            bool

	removers []func()
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPageLifecycleTracker builds a tracker for the browser's current page.
// techInfo must produce the envelope for the page this tracker currently
// holds (it is consulted before state is mutated on a route change).
func NewPageLifecycleTracker(browser *Browser, delivery *DeliveryChannel, techInfo func() *TechInfo, threshold time.Duration, isSpa bool, log zerolog.Logger) *PageLifecycleTracker {
	now := browser.clock().Now()
	t := &PageLifecycleTracker{
		browser:          browser,
		delivery:         delivery,
		techInfo:         techInfo,
		log:              log,
		threshold:        threshold,
		routeSettleDelay: 100 * time.Millisecond,
		isSpa:            isSpa,
		entryTime:        now,
		lastActive:       now,
		visible:          true,
		done:             make(chan struct{}),
	}
	if browser.Page != nil {
		t.currentURL = safeStr(browser.Page.URL, "")
		t.pageTitle = safeStr(browser.Page.Title, "")
	}
	return t
}

// Start registers the lifecycle listeners and the periodic activity check.
func (t *PageLifecycleTracker) Start() {
	if t.browser.Events != nil {
		for _, eventType := range activityEvents {
			remove := t.browser.Events.AddListener(eventType, func(*DOMEvent) {
				t.UpdateActivity()
			})
			t.removers = append(t.removers, remove)
		}

		remove := t.browser.Events.AddListener("visibilitychange", func(*DOMEvent) {
			t.handleVisibilityChange()
		})
		t.removers = append(t.removers, remove)

		remove = t.browser.Events.AddListener("beforeunload", func(*DOMEvent) {
			t.TrackPageDuration(KindBeforeUnload)
		})
		t.removers = append(t.removers, remove)
	}

	if t.isSpa && t.browser.History != nil {
		remove := t.browser.History.OnChange(func() {
			t.HandleRouteChange()
		})
		t.removers = append(t.removers, remove)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.threshold)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.CheckPageActivity()
			case <-t.done:
				return
			}
		}
	}()
}

// Stop halts the activity check and removes every registered listener. The
// history methods stay wrapped; the hook simply goes quiet.
func (t *PageLifecycleTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	for _, remove := range t.removers {
		remove()
	}
	t.removers = nil
}

// CurrentURL returns the tracked page URL.
func (t *PageLifecycleTracker) CurrentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentURL
}

// PageTitle returns the tracked page title.
func (t *PageLifecycleTracker) PageTitle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pageTitle
}

// UpdateActivity refreshes the idle clock. No state transition occurs.
func (t *PageLifecycleTracker) UpdateActivity() {
	t.mu.Lock()
	t.lastActive = t.browser.clock().Now()
	t.mu.Unlock()
}

// TrackPageView emits a page view for the tracked page.
func (t *PageLifecycleTracker) TrackPageView() bool {
	info := t.techInfo()
	if info == nil {
		t.log.Warn().Msg("skipping page view: no valid technology information")
		return false
	}
	t.log.Debug().Str("url", info.URL).Msg("tracking page view")
	return t.delivery.Send("/track/pageview", KindPageView, PageViewEvent{TechInfo: *info})
}

// handleVisibilityChange applies the hidden/visible transitions: going hidden
// flushes the elapsed visible interval regardless of idle state; coming back
// restarts the dwell clock fresh.
func (t *PageLifecycleTracker) handleVisibilityChange() {
	if t.browser.Page == nil {
		return
	}
	visible := t.browser.Page.VisibilityState() == "visible"
	now := t.browser.clock().Now()

	t.mu.Lock()
	wasVisible := t.visible
	t.visible = visible
	if visible {
		if !wasVisible {
			t.entryTime = now
			t.log.Debug().Msg("page became visible, resetting entry time")
		}
		t.lastActive = now
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.TrackPageDuration(KindDuration)
}

// CheckPageActivity is the periodic idle probe: a visible page inactive for
// more than twice the threshold gets its dwell time flushed so an abandoned
// tab does not accrue a single huge interval.
func (t *PageLifecycleTracker) CheckPageActivity() {
	now := t.browser.clock().Now()

	t.mu.Lock()
	idle := t.visible && now.Sub(t.lastActive) > 2*t.threshold
	t.mu.Unlock()

	if idle {
		t.TrackPageDuration(KindDuration)
	}
}

// TrackPageDuration emits a duration event for the interval since entry.
// Intervals under one second are noise from instantaneous navigations and are
// dropped. While the page stays visible the clocks reset so the same stretch
// is not counted twice.
func (t *PageLifecycleTracker) TrackPageDuration(kind EventKind) {
	now := t.browser.clock().Now()

	t.mu.Lock()
	entry := t.entryTime
	visible := t.visible
	t.mu.Unlock()

	elapsed := now.Sub(entry)
	if elapsed < time.Second {
		return
	}

	info := t.techInfo()
	if info == nil {
		t.log.Warn().Msg("skipping page duration: no valid technology information")
		return
	}

	event := DurationEvent{
		TechInfo:      *info,
		Duration:      int(math.Round(elapsed.Seconds())),
		EntryTime:     isoTime(entry),
		ExitTime:      isoTime(now),
		IsPageVisible: visible,
	}

	t.log.Debug().Int("seconds", event.Duration).Str("url", info.URL).Msg("tracking page duration")
	t.delivery.Send("/track/duration", kind, event)

	if visible {
		t.mu.Lock()
		t.entryTime = now
		t.lastActive = now
		t.mu.Unlock()
	}
}

// HandleRouteChange closes out the old page and starts tracking the new one.
// The duration event for the old URL is emitted before any state is touched,
// and the new page's view is deferred briefly so the routed DOM and title can
// settle.
func (t *PageLifecycleTracker) HandleRouteChange() {
	if t.browser.Page == nil {
		return
	}
	newURL := safeStr(t.browser.Page.URL, "")
	newTitle := safeStr(t.browser.Page.Title, "")

	t.mu.Lock()
	changed := newURL != "" && newURL != t.currentURL
	oldURL := t.currentURL
	t.mu.Unlock()

	if !changed {
		return
	}

	t.log.Debug().Str("from", oldURL).Str("to", newURL).Msg("route change detected")

	t.TrackPageDuration(KindDuration)

	now := t.browser.clock().Now()
	t.mu.Lock()
	t.currentURL = newURL
	t.pageTitle = newTitle
	t.entryTime = now
	t.lastActive = now
	t.mu.Unlock()

	time.AfterFunc(t.routeSettleDelay, func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error().Interface("panic", r).Msg("page view after route change panicked")
			}
		}()
		t.TrackPageView()
	})
}

// SetCurrentPage is the manual SPA hook for frameworks that manage history
// themselves. Empty arguments fall back to the live page. A page view is
// emitted only when the URL actually differs from the tracked one.
func (t *PageLifecycleTracker) SetCurrentPage(url, title string) {
	if t.browser.Page != nil {
		if url == "" {
			url = safeStr(t.browser.Page.URL, "")
		}
		if title == "" {
			title = safeStr(t.browser.Page.Title, "")
		}
	}

	t.mu.Lock()
	changed := url != "" && url != t.currentURL
	if changed {
		t.currentURL = url
		t.pageTitle = title
	}
	t.mu.Unlock()

	if changed {
		t.log.Debug().Str("url", url).Msg("current url updated")
		t.TrackPageView()
	}
}
