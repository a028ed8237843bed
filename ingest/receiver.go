// Package ingest accepts raw log events over HTTP and seeds the
// pipeline: one immutable event plus one all-false state document.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"herringbone/core"
	"herringbone/metrics"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	maxEventBody = 1 << 20 // 1 MiB
	dedupTTL     = 60 * time.Second
	dedupPrefix  = "herringbone:ingest:dedup:"
)

// EventWriter persists a new event and its initial state.
type EventWriter interface {
	IngestEvent(ctx context.Context, ev *core.Event) error
}

// Receiver is the HTTP log intake. With a cache configured it drops
// byte-identical submissions from the same sender arriving within the
// dedup window, which absorbs shipper retries.
type Receiver struct {
	store  EventWriter
	cache  *core.RedisCache
	logger *zap.SugaredLogger
}

// NewReceiver creates a receiver. cache may be nil to disable dedup.
func NewReceiver(store EventWriter, cache *core.RedisCache, logger *zap.SugaredLogger) *Receiver {
	return &Receiver{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Register mounts the receiver route.
func (rc *Receiver) Register(router *mux.Router) {
	router.HandleFunc("/logingestion/receiver", rc.receive).Methods("POST")
}

func (rc *Receiver) receive(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxEventBody)

	var raw interface{}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		rc.logger.Warnw("Rejected unparseable event", "error", err)
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	source := core.EventSource{
		Address: senderAddress(r),
		Kind:    "http",
	}

	if rc.isDuplicate(r.Context(), raw, source.Address) {
		rc.logger.Debugw("Dropped duplicate event", "source", source.Address)
		writeAck(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	event := core.NewEvent(raw, source)
	if err := rc.store.IngestEvent(r.Context(), event); err != nil {
		rc.logger.Errorw("Failed to ingest event", "error", err, "source", source.Address)
		http.Error(w, "failed to store event", http.StatusInternalServerError)
		return
	}

	metrics.EventsIngested.WithLabelValues(source.Kind).Inc()
	writeAck(w, http.StatusCreated, map[string]string{"id": event.ID})
}

// isDuplicate hashes sender plus payload and checks the dedup window.
// Cache trouble means no dedup, never a rejected event.
func (rc *Receiver) isDuplicate(ctx context.Context, raw interface{}, sender string) bool {
	if rc.cache == nil {
		return false
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	h := xxhash.New()
	h.WriteString(sender)
	h.Write([]byte{0})
	h.Write(payload)
	key := fmt.Sprintf("%s%x", dedupPrefix, h.Sum64())

	var seen bool
	found, err := rc.cache.Get(ctx, key, &seen)
	if err != nil {
		rc.logger.Warnw("Dedup cache read failed", "error", err)
		return false
	}
	if found {
		return true
	}
	if err := rc.cache.Set(ctx, key, true, dedupTTL); err != nil {
		rc.logger.Warnw("Dedup cache write failed", "error", err)
	}
	return false
}

// senderAddress prefers the first X-Forwarded-For hop so events keep
// the shipper's address when a proxy fronts the receiver.
func senderAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAck(w http.ResponseWriter, status int, payload map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
