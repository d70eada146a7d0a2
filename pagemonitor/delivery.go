package pagemonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// sendTimeout bounds the timed fallback request. Exceeding it is
	// treated exactly like a network error.
	sendTimeout = 5 * time.Second

	retryDelayBase   = 30 * time.Second
	retryDelayJitter = 30 * time.Second
)

// DeliveryChannel encapsulates the three-tier delivery strategy: best-effort
// beacon, timed request, persisted retry queue. Send never reports more than
// "accepted for delivery"; server persistence is not confirmed on any tier.
type DeliveryChannel struct {
	system     string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	beacon     BeaconSender
	queue      *PersistentQueue
	log        zerolog.Logger

	// retryDelay produces the randomized pause before a queue drain,
	// spreading retries across tabs so they do not storm the server.
	retryDelay func() time.Duration
}

// NewDeliveryChannel wires a channel to its queue. beacon may be nil, in
// which case every send goes straight to the timed request tier.
func NewDeliveryChannel(system, apiKey, baseURL string, beacon BeaconSender, queue *PersistentQueue, log zerolog.Logger) *DeliveryChannel {
	return &DeliveryChannel{
		system:     system,
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: sendTimeout},
		beacon:     beacon,
		queue:      queue,
		log:        log,
		retryDelay: func() time.Duration {
			return retryDelayBase + time.Duration(rand.Int63n(int64(retryDelayJitter)))
		},
	}
}

// Send delivers one event. Unload-class kinds take the beacon path
// unconditionally; everything else tries the beacon first, then the timed
// request, and hands the payload to the pending queue on failure. Partial
// payloads (missing timestamp, url or userAgent) are rejected without
// sending: low-confidence data is never emitted.
func (d *DeliveryChannel) Send(endpoint string, kind EventKind, payload any) bool {
	m, err := toPayloadMap(payload)
	if err != nil {
		d.log.Warn().Err(err).Str("kind", string(kind)).Msg("unencodable payload, dropping")
		return false
	}

	if !hasNonEmptyString(m, "timestamp") || !hasNonEmptyString(m, "url") || !hasNonEmptyString(m, "userAgent") {
		d.log.Warn().Str("kind", string(kind)).Msg("missing critical payload fields, dropping")
		return false
	}

	target := joinURL(d.baseURL, endpoint)

	if kind.unloadClass() {
		// The page is going away: nothing after the beacon can run.
		return d.sendBeacon(target, m)
	}

	if d.sendBeacon(target, m) {
		return true
	}
	if d.post(target, m) {
		return true
	}

	d.fallback(kind, m)
	return false
}

// sendOnce is the queue-drain sender: same two delivery tiers, but a failure
// leaves the item where it is instead of re-enqueueing it.
func (d *DeliveryChannel) sendOnce(endpoint string, kind EventKind, payload map[string]any) bool {
	target := joinURL(d.baseURL, endpoint)
	if d.sendBeacon(target, payload) {
		return true
	}
	return d.post(target, payload)
}

// DrainPending replays the queue through the channel.
func (d *DeliveryChannel) DrainPending() {
	if d.queue != nil {
		d.queue.DrainAndRetry(d.sendOnce)
	}
}

// ScheduleDrain runs DrainPending after the given delay without blocking the
// caller.
func (d *DeliveryChannel) ScheduleDrain(after time.Duration) {
	time.AfterFunc(after, func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Msg("pending retry panicked")
			}
		}()
		d.DrainPending()
	})
}

// fallback hands a failed event to the queue asynchronously and schedules a
// randomized drain.
func (d *DeliveryChannel) fallback(kind EventKind, payload map[string]any) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Msg("fallback tracking panicked")
			}
		}()
		d.log.Warn().Str("kind", string(kind)).Msg("delivery failed, buffering for retry")
		if d.queue != nil {
			d.queue.Enqueue(kind, payload)
		}
		d.ScheduleDrain(d.retryDelay())
	}()
}

// sendBeacon attempts the fire-and-forget tier. The beacon transport cannot
// carry headers, so system and API key ride inside the JSON body.
func (d *DeliveryChannel) sendBeacon(target string, payload map[string]any) (ok bool) {
	if d.beacon == nil {
		d.log.Debug().Msg("beacon transport unavailable")
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("beacon send panicked")
			ok = false
		}
	}()

	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["system"] = d.system
	body["apiKey"] = d.apiKey

	encoded, err := json.Marshal(body)
	if err != nil {
		d.log.Error().Err(err).Msg("beacon payload marshal failed")
		return false
	}
	return d.beacon.SendBeacon(target, encoded)
}

// post is the timed request tier: 5-second deadline, API key in a header,
// system in the body. Non-2xx and timeout are both plain failures.
func (d *DeliveryChannel) post(target string, payload map[string]any) bool {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["system"] = d.system

	encoded, err := json.Marshal(body)
	if err != nil {
		d.log.Error().Err(err).Msg("request payload marshal failed")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(encoded))
	if err != nil {
		d.log.Error().Err(err).Str("url", target).Msg("failed to create tracking request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", d.apiKey)
	req.Header.Set("User-Agent", BuildUserAgent())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			d.log.Warn().Str("url", target).Msg("tracking request timed out")
		} else {
			d.log.Warn().Err(err).Str("url", target).Msg("tracking request failed")
		}
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Warn().Int("status", resp.StatusCode).Str("url", target).Msg("tracking request rejected")
		return false
	}
	return true
}

// joinURL normalizes exactly one slash between the base URL and the endpoint,
// whatever each side carries.
func joinURL(base, endpoint string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}

// toPayloadMap flattens an event struct (or passes a replayed map through)
// into the wire shape.
func toPayloadMap(payload any) (map[string]any, error) {
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func hasNonEmptyString(m map[string]any, key string) bool {
	s, ok := m[key].(string)
	return ok && s != ""
}
