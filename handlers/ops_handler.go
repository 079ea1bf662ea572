package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Refresher interface {
	RequestRefresh()
}

type SubscriptionLister interface {
	Tracked() []string
}

type OpsHandler struct {
	db            Pinger
	cache         Pinger
	refresher     Refresher
	subscriptions SubscriptionLister
}

func NewOpsHandler(db, cache Pinger, refresher Refresher, subscriptions SubscriptionLister) *OpsHandler {
	return &OpsHandler{
		db:            db,
		cache:         cache,
		refresher:     refresher,
		subscriptions: subscriptions,
	}
}

// GET /health
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		log.WithError(err).Warn("health check: database unreachable")
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database connection failed",
		})
		return
	}

	// a cache outage weakens dedup but does not stop the engine
	cacheStatus := "ok"
	if err := h.cache.Ping(ctx); err != nil {
		log.WithError(err).Warn("health check: cache unreachable")
		cacheStatus = "degraded"
	}

	var subs []string
	if h.subscriptions != nil {
		subs = h.subscriptions.Tracked()
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"service":       "streakstr",
		"cache":         cacheStatus,
		"subscriptions": subs,
	})
}

// POST /internal/tracking/refresh
func (h *OpsHandler) RefreshTracking(w http.ResponseWriter, r *http.Request) {
	h.refresher.RequestRefresh()
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
