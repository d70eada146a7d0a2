package pagemonitor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fallbackFingerprintKey persists the random visitor ID used when no
// fingerprint can be computed, so repeat visits stay identifiable.
const fallbackFingerprintKey = "pageMonitor_fallback_id"

// FingerprintGenerator reduces the environment's signals to a stable opaque
// identifier. Stability is cosmetic uniqueness, not a security property: the
// same environment hashes to the same 8-hex-char value within a session, and
// distinct environments should collide rarely.
type FingerprintGenerator struct {
	env     Environment
	storage LocalStorage
	clock   Clock
	log     zerolog.Logger
}

// NewFingerprintGenerator builds a generator over the given capabilities.
// storage may be nil; the degradation chain then ends at an ephemeral ID.
func NewFingerprintGenerator(env Environment, storage LocalStorage, clock Clock, log zerolog.Logger) *FingerprintGenerator {
	if clock == nil {
		clock = systemClock{}
	}
	return &FingerprintGenerator{env: env, storage: storage, clock: clock, log: log}
}

// Generate computes the fingerprint. On total failure it falls back to a
// random ID persisted in local storage, and if storage is unavailable too, to
// a timestamp-seeded ephemeral ID that is not stable across reloads.
func (g *FingerprintGenerator) Generate() (id string) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Msg("fingerprint collection failed")
			id = g.fallbackID()
		}
	}()
	if g.env == nil {
		return g.fallbackID()
	}
	return StrongHash(strings.Join(g.components(), "|"))
}

// components gathers every available signal in a fixed order. Each probe is
// shielded individually: a disabled API contributes its sentinel and the rest
// of the collection proceeds.
func (g *FingerprintGenerator) components() []string {
	env := g.env
	c := make([]string, 0, 32)

	c = append(c, safeStr(env.UserAgent, "unknown_ua"))
	c = append(c, safeStr(env.Platform, "unknown_platform"))
	c = append(c, safeStr(env.Vendor, "unknown_vendor"))
	c = append(c, safeStr(env.VendorSub, "unknown_vendor_sub"))
	c = append(c, safeStr(env.Product, "unknown_product"))
	c = append(c, safeStr(env.ProductSub, "unknown_product_sub"))

	c = append(c, safeStr(func() string {
		langs := env.Languages()
		if len(langs) == 0 {
			langs = []string{safeStr(env.Language, "unknown_lang")}
		}
		encoded, err := json.Marshal(langs)
		if err != nil {
			return "unknown_lang"
		}
		return string(encoded)
	}, "unknown_lang"))

	c = append(c, safeStr(func() string { return strconv.Itoa(env.HardwareConcurrency()) }, "unknown_hw"))
	c = append(c, safeStr(func() string { return strconv.Itoa(env.MaxTouchPoints()) }, "0_touch"))

	c = append(c, safeStr(func() string {
		w, h, ok := env.ScreenSize()
		if !ok {
			return "screen_error"
		}
		depth, pixelDepth, _ := env.ColorDepth()
		return fmt.Sprintf("%d|%d|%d|%d", w, h, depth, pixelDepth)
	}, "screen_error"))

	c = append(c, safeStr(func() string {
		return strconv.FormatFloat(env.DevicePixelRatio(), 'f', -1, 64)
	}, "dpr_error"))

	c = append(c, safeStr(func() string {
		w, h, ok := env.ViewportSize()
		if !ok {
			return "viewport_error"
		}
		return fmt.Sprintf("%d|%d", w, h)
	}, "viewport_error"))

	c = append(c, safeStr(func() string { return strconv.Itoa(env.TimezoneOffsetMinutes()) }, "tz_error"))
	c = append(c, safeStr(env.TimezoneName, "unknown_tz"))

	c = append(c, safeStr(func() string {
		s := env.StorageAvailability()
		return fmt.Sprintf("%t|%t|%t|%t|%t|%t|%t",
			s.Local, s.Session, s.IndexedDB, s.StorageManager,
			s.ServiceWorker, s.Permissions, s.Geolocation)
	}, "storage_error"))

	c = append(c, safeStr(env.ConnectionType, "unknown_conn"))
	c = append(c, safeStr(env.ConnectionKind, "unknown_conn_type"))

	c = append(c, safeStr(func() string {
		data, err := env.CanvasData()
		if err != nil || data == "" {
			return "canvas_error"
		}
		return data
	}, "canvas_error"))

	c = append(c, safeStr(func() string {
		metrics, err := env.FontMetrics()
		if err != nil || metrics == "" {
			return "font_error"
		}
		return metrics
	}, "font_error"))

	return c
}

// fallbackID implements the degradation chain: a persisted random ID first,
// an unpersisted one if the write fails, and a timestamp-seeded ephemeral ID
// when storage is missing entirely.
func (g *FingerprintGenerator) fallbackID() string {
	now := g.clock.Now()
	if g.storage == nil {
		return fmt.Sprintf("ultimate_%d_%s", now.UnixMilli(), StrongHash(uuid.NewString()))
	}

	if existing, err := g.storage.GetItem(fallbackFingerprintKey); err == nil && existing != "" {
		return existing
	}

	id := fmt.Sprintf("fallback_%s_%d", StrongHash(uuid.NewString()+strconv.FormatInt(now.UnixMilli(), 10)), now.UnixMilli())
	if err := g.storage.SetItem(fallbackFingerprintKey, id); err != nil {
		g.log.Warn().Err(err).Msg("failed to persist fallback fingerprint")
		return "temp_" + StrongHash(uuid.NewString())
	}
	return id
}

// StrongHash reduces a string to a 32-bit hex digest using a MurmurHash3
// style mix: 4-byte little-endian chunks, multiply-rotate-multiply per chunk,
// then a final avalanche. Deterministic and fast; not cryptographic.
func StrongHash(input string) string {
	if input == "" {
		return "00000000"
	}

	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(input)
	var hash uint32

	i := 0
	for i < len(data) {
		var k uint32
		for j := 0; j < 4 && i < len(data); j, i = j+1, i+1 {
			k |= uint32(data[i]) << (j * 8)
		}

		k *= c1
		k = k<<15 | k>>17
		k *= c2

		hash ^= k
		hash = hash<<13 | hash>>19
		hash = hash*5 + 0xe6546b64
	}

	hash ^= uint32(len(data))

	hash ^= hash >> 16
	hash *= 0x85ebca6b
	hash ^= hash >> 13
	hash *= 0xc2b2ae35
	hash ^= hash >> 16

	return fmt.Sprintf("%08x", hash)
}
