package pagemonitor

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseScriptConfig builds a Config the way script-tag embedding configures
// the agent: query parameters on the script URL first, then data-* attributes
// (camelCased, type-coerced), with data-* taking precedence. When no API base
// is configured explicitly it is derived from the script's own origin, using
// everything before the conventional "public/" path segment as the context
// path.
func ParseScriptConfig(scriptSrc string, dataAttrs map[string]string) Config {
	cfg := DefaultConfig()

	var params url.Values
	scriptURL, err := url.Parse(scriptSrc)
	if err == nil {
		params = scriptURL.Query()
	} else {
		scriptURL = nil
		params = url.Values{}
	}

	if v := params.Get("apiBaseUrl"); v != "" {
		cfg.APIBaseURL = v
	} else if scriptURL != nil {
		if derived := deriveAPIBase(scriptURL); derived != "" {
			cfg.APIBaseURL = derived
		}
	}

	for key, value := range flattenParams(params) {
		applyConfigValue(&cfg, key, value)
	}
	for name, value := range dataAttrs {
		applyConfigValue(&cfg, camelCaseAttr(name), value)
	}

	return cfg.normalize()
}

// deriveAPIBase locates the "public/" segment in the script path and treats
// everything before it as the API's context path. Non-HTTP script sources
// (inline, file) keep the default relative base.
func deriveAPIBase(scriptURL *url.URL) string {
	if scriptURL.Scheme != "http" && scriptURL.Scheme != "https" {
		return ""
	}
	contextPath := ""
	if idx := strings.LastIndex(scriptURL.Path, "public/"); idx > 0 {
		contextPath = strings.TrimSuffix(scriptURL.Path[:idx], "/")
	}
	return scriptURL.Scheme + "://" + scriptURL.Host + contextPath + "/api"
}

func flattenParams(params url.Values) map[string]string {
	flat := make(map[string]string, len(params))
	for key := range params {
		if key == "apiBaseUrl" {
			continue // handled above, with the derivation fallback
		}
		flat[key] = params.Get(key)
	}
	return flat
}

// camelCaseAttr turns a data attribute name ("data-api-key") into its
// camelCase config key ("apiKey").
func camelCaseAttr(name string) string {
	name = strings.TrimPrefix(name, "data-")
	parts := strings.Split(name, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

func applyConfigValue(cfg *Config, key, value string) {
	if value == "" {
		return
	}
	switch key {
	case "system":
		cfg.System = value
	case "apiKey":
		cfg.APIKey = value
	case "apiBaseUrl":
		cfg.APIBaseURL = value
	case "isSpa":
		cfg.IsSpa = value == "true"
	case "isTrackDownloads":
		cfg.TrackDownloads = value != "false"
	case "maxPendingItems":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.MaxPendingItems = n
		}
	case "logLevel":
		cfg.LogLevel = value
	case "activeTimeThreshold":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.ActiveTimeThreshold = time.Duration(n) * time.Millisecond
		}
	case "customEvents":
		var rules []CustomEventRule
		if err := json.Unmarshal([]byte(value), &rules); err == nil {
			cfg.CustomEvents = rules
		}
	}
}
