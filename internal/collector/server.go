package collector

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the collection API the page-monitor agent reports to. A site is
// registered as a system name plus its API key; events for anything else are
// rejected.
type Server struct {
	store *Store
	sites map[string]string
	log   zerolog.Logger

	registry *prometheus.Registry
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// New builds a server over store. sites maps system name to API key.
func New(store *Store, sites map[string]string, log zerolog.Logger) *Server {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Server{
		store: store,
		sites: sites,
		log:   log,

		registry: registry,
		accepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemonitor_events_accepted_total",
			Help: "Tracking events accepted and stored, by system and kind.",
		}, []string{"system", "kind"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemonitor_events_rejected_total",
			Help: "Tracking events rejected, by reason.",
		}, []string{"reason"}),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.POST("/track/:kind", s.handleTrack)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleTrack(c *gin.Context) {
	kind := c.Param("kind")
	if !s.store.ValidKind(kind) {
		s.rejected.WithLabelValues("unknown_kind").Inc()
		c.JSON(http.StatusNotFound, gin.H{"detail": "Unknown tracking kind"})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		s.rejected.WithLabelValues("bad_json").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON body"})
		return
	}

	system, _ := body["system"].(string)
	if system == "" {
		s.rejected.WithLabelValues("missing_system").Inc()
		c.JSON(http.StatusForbidden, gin.H{"detail": "System parameter is required"})
		return
	}

	// The beacon transport cannot carry headers, so the key is accepted
	// from the body as well.
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		apiKey, _ = body["apiKey"].(string)
	}
	if apiKey == "" {
		s.rejected.WithLabelValues("missing_key").Inc()
		c.JSON(http.StatusForbidden, gin.H{"detail": "API key is required in X-API-Key header"})
		return
	}

	if registered, ok := s.sites[system]; !ok || registered != apiKey {
		s.rejected.WithLabelValues("unregistered").Inc()
		c.JSON(http.StatusNotFound, gin.H{"detail": "System not registered or invalid API key"})
		return
	}

	url, _ := body["url"].(string)
	if url == "" {
		s.rejected.WithLabelValues("missing_url").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "url is required"})
		return
	}

	fingerprint, _ := body["userFingerprint"].(string)
	delete(body, "apiKey")

	event := StoredEvent{
		ReceivedUTC: time.Now().Unix(),
		System:      system,
		Kind:        kind,
		URL:         url,
		Fingerprint: sanitizeFingerprint(fingerprint),
		ClientIP:    c.ClientIP(),
		Payload:     body,
	}

	if err := s.store.InsertEvent(event); err != nil {
		s.log.Error().Err(err).Str("system", system).Str("kind", kind).Msg("failed to store event")
		s.rejected.WithLabelValues("storage").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to store event"})
		return
	}

	s.accepted.WithLabelValues(system, kind).Inc()
	s.log.Debug().Str("system", system).Str("kind", kind).Str("url", url).Msg("event stored")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sanitizeFingerprint hashes whatever the client claimed its fingerprint is,
// so stored identifiers have a uniform shape and arbitrary input never lands
// in the database. Missing fingerprints group under "anonymous".
func sanitizeFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return "anonymous"
	}
	sum := md5.Sum([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
