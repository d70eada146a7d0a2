package pagemonitor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	downloadExtRe = regexp.MustCompile(`(?i)\.(pdf|zip|exe|tar\.gz|tar|gz|rar|7z|dmg|pkg|deb|rpm|apk|jar|war|msi|bin|sh|doc|docx|xls|xlsx|ppt|pptx|txt|csv|mp4|mp3|avi|mov|wmv|flv|wav|png|jpg|jpeg|gif|bmp|psd|ai|eps|sketch|fig|xd|iso|img|dll|sys|drv|ocx|cab|zipx)$`)

	windowOpenRe     = regexp.MustCompile(`(?i)window\.open\(['"]([^'"]+)['"]`)
	locationHrefRe   = regexp.MustCompile(`(?i)window\.location\.href\s*=\s*['"]([^'"]+)['"]`)
	locationAssignRe = regexp.MustCompile(`(?i)window\.location\.assign\(['"]([^'"]+)['"]`)
	bareURLRe        = regexp.MustCompile(`https?://[^\s'"]+|/[^\s'"]+`)
)

const buttonSelector = `button, input[type="button"], input[type="submit"]`

// InteractionTracker captures download clicks and configured selector-based
// custom events. It reads the current-page context from the lifecycle tracker
// and funnels everything through the delivery channel.
type InteractionTracker struct {
	browser    *Browser
	delivery   *DeliveryChannel
	techInfo   func() *TechInfo
	sourcePage func() string
	log        zerolog.Logger

	removers []func()
}

// NewInteractionTracker builds a tracker; techInfo and sourcePage are bound
// to the lifecycle tracker's current page.
func NewInteractionTracker(browser *Browser, delivery *DeliveryChannel, techInfo func() *TechInfo, sourcePage func() string, log zerolog.Logger) *InteractionTracker {
	return &InteractionTracker{
		browser:    browser,
		delivery:   delivery,
		techInfo:   techInfo,
		sourcePage: sourcePage,
		log:        log,
	}
}

// BindDownloadTracking installs the single delegated click listener that
// classifies download links and buttons.
func (t *InteractionTracker) BindDownloadTracking() {
	if t.browser.Events == nil {
		return
	}
	remove := t.browser.Events.AddListener("click", func(e *DOMEvent) {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error().Interface("panic", r).Msg("download click handler panicked")
			}
		}()
		t.handleDownloadClick(e)
	})
	t.removers = append(t.removers, remove)
}

// BindCustomEvents installs one delegated listener per configured rule.
func (t *InteractionTracker) BindCustomEvents(rules []CustomEventRule) {
	if t.browser.Events == nil {
		return
	}
	for i, rule := range rules {
		if rule.Selector == "" {
			t.log.Warn().Int("index", i).Msg("invalid custom event rule: empty selector")
			continue
		}
		eventType := rule.EventType
		if eventType == "" {
			eventType = "click"
		}

		rule := rule
		remove := t.browser.Events.AddListener(eventType, func(e *DOMEvent) {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error().Interface("panic", r).Msg("custom event handler panicked")
				}
			}()
			if e.Target == nil {
				return
			}
			if !e.Target.Matches(rule.Selector) && e.Target.Closest(rule.Selector) == nil {
				return
			}
			t.trackCustomEvent(e.Target, rule, eventType)
		})
		t.removers = append(t.removers, remove)
	}
}

// Teardown removes every listener this tracker registered.
func (t *InteractionTracker) Teardown() {
	for _, remove := range t.removers {
		remove()
	}
	t.removers = nil
}

// downloadCandidate is the outcome of classifying a clicked element.
type downloadCandidate struct {
	element  Element
	href     string
	fileName string
	linkText string
}

func (t *InteractionTracker) handleDownloadClick(e *DOMEvent) {
	if e.Target == nil {
		return
	}

	candidate := classifyAnchor(e.Target)
	if candidate == nil {
		candidate = classifyButton(e.Target)
	}
	if candidate == nil {
		return
	}

	info := t.techInfo()
	if info == nil {
		// Never stand between the user and their download just because
		// tracking cannot run.
		t.log.Warn().Msg("skipping download tracking: no valid technology information")
		return
	}

	event := DownloadEvent{
		TechInfo:    *info,
		DownloadURL: candidate.href,
		FileName:    candidate.fileName,
		LinkText:    candidate.linkText,
		SourcePage:  t.sourcePage(),
		ElementType: candidate.element.TagName(),
	}

	hasValidURL := candidate.href != ""
	if hasValidURL {
		e.PreventDefault()
	}

	t.log.Debug().Str("file", event.FileName).Str("source", event.SourcePage).Msg("tracking download")

	href := candidate.href
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error().Interface("panic", r).Msg("download tracking panicked")
			}
		}()
		if !t.delivery.Send("/track/download", KindDownload, event) {
			t.log.Warn().Msg("download tracking failed, allowing download to proceed")
		}
		// The navigation happens whether or not tracking succeeded.
		if hasValidURL && t.browser.Page != nil {
			t.browser.Page.Navigate(href)
		}
	}()
}

// classifyAnchor applies the anchor rules: a native download attribute, a
// downloadable URL, or "download" in the visible text or class list.
func classifyAnchor(target Element) *downloadCandidate {
	link := target.Closest("a")
	if link == nil || link.Href() == "" {
		return nil
	}
	href := link.Href()
	text := strings.TrimSpace(link.Text())

	isDownload := link.HasAttr("download") ||
		isDownloadURL(href) ||
		strings.Contains(strings.ToLower(text), "download") ||
		strings.Contains(strings.ToLower(link.Attr("class")), "download")
	if !isDownload {
		return nil
	}

	fileName := link.Attr("download")
	if fileName == "" {
		fileName = fileNameFromURL(href)
	}
	return &downloadCandidate{element: link, href: href, fileName: fileName, linkText: text}
}

// classifyButton applies the button rules: an explicit opt-in marker plus a
// target URL recovered from data attributes or a conservative parse of the
// click-handler source.
func classifyButton(target Element) *downloadCandidate {
	button := target.Closest(buttonSelector)
	if button == nil {
		return nil
	}
	if !button.HasAttr("data-is-download") || button.Attr("data-is-download") == "false" {
		return nil
	}

	linkText := strings.TrimSpace(button.Text())
	if linkText == "" {
		linkText = button.Attr("value")
	}

	href := firstNonEmpty(
		button.Attr("data-download-url"),
		button.Attr("data-href"),
		button.Attr("href"),
		button.Attr("data-url"),
	)
	if href == "" {
		href = extractURLFromHandler(button.Attr("onclick"))
	}

	fileName := button.Attr("data-filename")
	if fileName == "" && href != "" {
		fileName = fileNameFromURL(href)
	}
	if fileName == "" {
		fileName = firstNonEmpty(linkText, button.Attr("data-download-name"), "download_from_button")
	}

	return &downloadCandidate{element: button, href: href, fileName: fileName, linkText: linkText}
}

// extractURLFromHandler parses a click-handler source for a navigation
// target: window.open, location.href assignment, location.assign, or, as a
// last resort, any bare URL pattern.
func extractURLFromHandler(handler string) string {
	if handler == "" {
		return ""
	}
	for _, re := range []*regexp.Regexp{windowOpenRe, locationHrefRe, locationAssignRe} {
		if m := re.FindStringSubmatch(handler); m != nil {
			return m[1]
		}
	}
	if m := bareURLRe.FindString(handler); m != "" {
		return m
	}
	return ""
}

// isDownloadURL reports whether the URL looks like a file download: a known
// file extension or a download path segment.
func isDownloadURL(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	return downloadExtRe.MatchString(lower) ||
		strings.Contains(lower, "/download/") ||
		strings.Contains(lower, "/downloads/")
}

// fileNameFromURL extracts the last path segment, or "unknown".
func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return unknownLowerValue
	}
	path := u.Path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		path = path[idx+1:]
	}
	if path == "" {
		return unknownLowerValue
	}
	return path
}

func (t *InteractionTracker) trackCustomEvent(target Element, rule CustomEventRule, eventType string) {
	info := t.techInfo()
	if info == nil {
		t.log.Warn().Msg("skipping custom event: no valid technology information")
		return
	}

	props := rule.Properties
	event := CustomEvent{
		TechInfo:         *info,
		EventType:        eventType,
		EventCategory:    propOrDefault(props, "category", "engagement"),
		EventAction:      propOrDefault(props, "action", "click"),
		EventLabel:       propOrDefault(props, "label", rule.Selector),
		Selector:         rule.Selector,
		ElementText:      truncateRunes(strings.TrimSpace(target.Text()), 100),
		CustomProperties: props,
	}

	t.log.Debug().Str("selector", rule.Selector).Str("type", eventType).Msg("tracking custom event")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error().Interface("panic", r).Msg("custom event tracking panicked")
			}
		}()
		t.delivery.Send("/track/event", KindEvent, event)
	}()
}

func propOrDefault(props map[string]string, key, fallback string) string {
	if v, ok := props[key]; ok && v != "" {
		return v
	}
	return fallback
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
