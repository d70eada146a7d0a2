package pagemonitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// initialDrainDelay is how long after Start the first pending-queue drain
// runs, off the construction path.
const initialDrainDelay = 100 * time.Millisecond

// Agent is the composition root: it validates configuration, wires the
// probes, the delivery channel, the lifecycle tracker and the interaction
// tracker, and owns their teardown.
//
// The cardinal rule of the agent is that it must never be the cause of a host
// malfunction: no public entry point lets a failure escape, and the only
// observable failure mode is silently not tracking.
type Agent struct {
	config  Config
	browser *Browser
	log     zerolog.Logger

	enabled bool

	fingerprint  *FingerprintGenerator
	queue        *PersistentQueue
	delivery     *DeliveryChannel
	lifecycle    *PageLifecycleTracker
	interactions *InteractionTracker

	started  bool
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewAgent builds an agent over the given browser capabilities. A config
// missing System or APIKey produces a permanently disabled agent: one warning
// is logged and every later call is a no-op. NewAgent never fails.
func NewAgent(config Config, browser *Browser) *Agent {
	config = config.normalize()
	log := NewLogger(config.LogLevel)

	a := &Agent{
		config:  config,
		browser: browser,
		log:     log,
		enabled: true,
	}

	if browser == nil {
		a.log.Warn().Msg("no browser capabilities provided, monitoring will not be started")
		a.enabled = false
		return a
	}
	if !config.identityComplete() {
		a.log.Warn().Msg("system and apiKey are required, monitoring will not be started")
		a.enabled = false
		return a
	}

	clock := browser.clock()
	a.fingerprint = NewFingerprintGenerator(browser.Env, browser.Storage, clock, log)
	a.queue = NewPersistentQueue(browser.Storage, clock, config.MaxPendingItems, log)
	a.delivery = NewDeliveryChannel(config.System, config.APIKey, config.APIBaseURL, browser.Beacon, a.queue, log)
	a.lifecycle = NewPageLifecycleTracker(browser, a.delivery, a.collectTechInfo, config.ActiveTimeThreshold, config.IsSpa, log)
	a.interactions = NewInteractionTracker(browser, a.delivery, a.collectTechInfo, a.lifecycle.CurrentURL, log)

	return a
}

// Start wires the trackers and emits the initial page view. The page view is
// deferred off the caller's path so startup never blocks rendering, and a
// first queue drain is scheduled shortly after.
func (a *Agent) Start() {
	defer a.guard("start")

	a.mu.Lock()
	if !a.enabled || a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	a.log.Debug().Str("url", a.lifecycle.CurrentURL()).Msg("agent starting")

	go func() {
		defer a.guard("initial page view")
		a.lifecycle.TrackPageView()
	}()

	if a.config.TrackDownloads {
		a.interactions.BindDownloadTracking()
	}
	if len(a.config.CustomEvents) > 0 {
		a.interactions.BindCustomEvents(a.config.CustomEvents)
	}

	a.lifecycle.Start()
	a.delivery.ScheduleDrain(initialDrainDelay)
}

// Destroy disables the agent, stops the periodic activity check and removes
// every registered listener. Wrapped history methods are left in place; the
// hook they call goes quiet with the rest of the agent.
func (a *Agent) Destroy() {
	defer a.guard("destroy")

	a.stopOnce.Do(func() {
		a.mu.Lock()
		wasStarted := a.started
		a.enabled = false
		a.started = false
		a.mu.Unlock()

		if wasStarted {
			a.lifecycle.Stop()
			a.interactions.Teardown()
		}
		a.log.Info().Msg("agent destroyed")
	})
}

// UpdateCurrentURL is the manual SPA hook for frameworks that manage history
// themselves. Empty arguments fall back to the live page values.
func (a *Agent) UpdateCurrentURL(url, title string) {
	defer a.guard("updateCurrentUrl")

	a.mu.Lock()
	enabled := a.enabled
	a.mu.Unlock()
	if !enabled {
		return
	}
	a.lifecycle.SetCurrentPage(url, title)
}

// GetStatus reports the tracked page, the configured API base and the
// pending-queue depth per kind.
func (a *Agent) GetStatus() Status {
	status := Status{
		APIBaseURL:       a.config.APIBaseURL,
		PendingTrackings: map[string]int{},
	}
	if a.lifecycle != nil {
		status.CurrentURL = a.lifecycle.CurrentURL()
		status.PageTitle = a.lifecycle.PageTitle()
	}
	if a.queue != nil {
		status.PendingTrackings = a.queue.Counts()
	}
	return status
}

// collectTechInfo builds the per-event envelope for the currently tracked
// page; the fingerprint is computed lazily per event.
func (a *Agent) collectTechInfo() *TechInfo {
	fp := a.fingerprint.Generate()
	return collectTechInfo(a.browser.Env, a.browser.Page, a.browser.clock(),
		a.lifecycle.CurrentURL(), a.lifecycle.PageTitle(), fp)
}

// guard is the top-level boundary of every public entry point: nothing is
// allowed to propagate into the host.
func (a *Agent) guard(op string) {
	if r := recover(); r != nil {
		a.log.Error().Interface("panic", r).Str("op", op).Msg("recovered from tracking failure")
	}
}
