package pagemonitor

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// The probe layer is a set of pure accessors over an Environment. Every probe
// is independently fault-tolerant: a failing or panicking implementation of a
// single signal degrades that one component to its sentinel and never aborts
// the others.

const (
	unknownSentinel   = "Unknown"
	unknownLowerValue = "unknown"
)

// Go's regexp has no negative lookahead, so the "android without mobile"
// tablet case is checked by hand below.
var (
	tabletPlainRe = regexp.MustCompile(`(?i)tablet|ipad|playbook|silk`)
	mobileRe      = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPad|iPod|BlackBerry|IEMobile|Opera Mini`)
)

// DetectBrowser classifies a user-agent string. The rules are ordered:
// engines share substrings, so Chrome must be tested before Safari and the
// Edg token excludes Chromium Edge from the Chrome match.
func DetectBrowser(ua string) string {
	if ua == "" {
		return unknownSentinel
	}
	switch {
	case strings.Contains(ua, "Chrome") && !strings.Contains(ua, "Edg"):
		return "Chrome"
	case strings.Contains(ua, "Firefox"):
		return "Firefox"
	case strings.Contains(ua, "Safari") && !strings.Contains(ua, "Chrome"):
		return "Safari"
	case strings.Contains(ua, "Edg"):
		return "Edge"
	case strings.Contains(ua, "MSIE") || strings.Contains(ua, "Trident/"):
		return "IE"
	}
	return "Other"
}

// DetectOS classifies the operating system. Android is tested before Windows
// and Linux because Android user agents carry a "Linux" token.
func DetectOS(ua string) string {
	if ua == "" {
		return unknownSentinel
	}
	switch {
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iOS") || strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Mac"):
		return "MacOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	}
	return unknownSentinel
}

// DetectDevice classifies the device class: tablet rules first, then mobile,
// defaulting to desktop.
func DetectDevice(ua string) string {
	if ua == "" {
		return unknownSentinel
	}
	lower := strings.ToLower(ua)
	if tabletPlainRe.MatchString(ua) ||
		(strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")) {
		return "Tablet"
	}
	if mobileRe.MatchString(ua) {
		return "Mobile"
	}
	return "Desktop"
}

// ScreenInfo formats the screen dimensions as "WxH", or "unknown" when no
// screen is reported.
func ScreenInfo(env Environment) string {
	w, h, ok := safeScreen(env)
	if !ok {
		return unknownLowerValue
	}
	return fmt.Sprintf("%dx%d", w, h)
}

func safeScreen(env Environment) (w, h int, ok bool) {
	defer func() {
		if recover() != nil {
			w, h, ok = 0, 0, false
		}
	}()
	return env.ScreenSize()
}

// safeStr shields one probe call; a panic degrades to the fallback sentinel.
func safeStr(fn func() string, fallback string) (s string) {
	defer func() {
		if recover() != nil {
			s = fallback
		}
	}()
	if s = fn(); s == "" {
		s = fallback
	}
	return s
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// collectTechInfo builds the payload envelope shared by every tracking event.
// It returns nil when the environment is too unreliable to produce
// trustworthy data: a missing user agent or URL, or browser/OS/device
// detection all failing at once.
func collectTechInfo(env Environment, page PageContext, clock Clock, currentURL, pageTitle, fingerprint string) *TechInfo {
	if env == nil || currentURL == "" {
		return nil
	}
	ua := safeStr(env.UserAgent, "")
	if ua == "" {
		return nil
	}

	info := &TechInfo{
		UserAgent:       ua,
		Browser:         DetectBrowser(ua),
		OS:              DetectOS(ua),
		Device:          DetectDevice(ua),
		Screen:          ScreenInfo(env),
		Language:        safeStr(env.Language, ""),
		ConnectionType:  safeStr(env.ConnectionType, unknownLowerValue),
		Timestamp:       isoTime(clock.Now()),
		URL:             currentURL,
		PageTitle:       pageTitle,
		UserFingerprint: fingerprint,
	}
	if page != nil {
		info.Referrer = safeStr(page.Referrer, "")
		info.Pathname = safeStr(page.Pathname, "")
		info.Hostname = safeStr(page.Hostname, "")
	}

	if info.Browser == unknownSentinel && info.OS == unknownSentinel && info.Device == unknownSentinel {
		return nil
	}
	return info
}
