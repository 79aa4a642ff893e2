package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/store"
)

const statsTimeout = 5 * time.Second

// StatsReport is the /stats.json document.
type StatsReport struct {
	TorrentsCount         int            `json:"torrentsCount"`
	PeersCount            int            `json:"peersCount"`
	Servers               []ServerStats  `json:"servers"`
	Memory                MemoryStats    `json:"memory"`
	PeersCountPerInfoHash map[string]int `json:"peersCountPerInfoHash"`
}

// ServerStats reports one listener.
type ServerStats struct {
	Server          string `json:"server"`
	WebSocketsCount int    `json:"webSocketsCount"`
}

// MemoryStats is a subset of the Go runtime memory statistics.
type MemoryStats struct {
	Sys       uint64 `json:"sys"`
	HeapSys   uint64 `json:"heapSys"`
	HeapAlloc uint64 `json:"heapAlloc"`
	NumGC     uint32 `json:"numGC"`
}

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	tracker   Tracker
	clients   *ClientRegistry
	servers   []string
	history   store.Store
	indexHTML []byte
	logger    *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler reporting on the given listeners.
func NewHTTPHandler(t Tracker, clients *ClientRegistry, servers []string) *HTTPHandler {
	return &HTTPHandler{
		tracker: t,
		clients: clients,
		servers: servers,
		logger:  zap.NewNop(),
	}
}

// SetHistory enables /stats/history.json and the store health check.
func (h *HTTPHandler) SetHistory(s store.Store) {
	h.history = s
}

// SetIndexHTML sets the page served at /.
func (h *HTTPHandler) SetIndexHTML(page []byte) {
	h.indexHTML = page
}

// SetLogger sets the handler logger.
func (h *HTTPHandler) SetLogger(l *zap.Logger) {
	h.logger = l.Named("http")
}

// ServeHTTP serves HTTP requests.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("request",
		zap.String("method", r.Method),
		zap.String("url", r.URL.Path),
		zap.String("query", r.URL.RawQuery))

	switch r.URL.Path {
	case "/":
		h.handleIndex(w, r)
	case "/stats.json":
		h.handleStats(w, r)
	case "/stats/history.json":
		h.handleHistory(w, r)
	case "/healthz":
		h.handleHealthz(w, r)
	case "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if h.indexHTML == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(h.indexHTML)
}

// handleStats reports swarm and connection counts.
func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := h.tracker.Stats(ctx)
	if err != nil {
		h.logger.Warn("failed to collect stats", zap.Error(err))
		JSONError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}

	report := StatsReport{
		TorrentsCount:         stats.TorrentsCount(),
		PeersCount:            stats.PeersCount(),
		Servers:               make([]ServerStats, 0, len(h.servers)),
		PeersCountPerInfoHash: make(map[string]int, len(stats.Swarms)),
	}
	for _, sw := range stats.Swarms {
		report.PeersCountPerInfoHash[HexInfoHash(sw.InfoHash)] = sw.Peers
	}
	for _, s := range h.servers {
		report.Servers = append(report.Servers, ServerStats{Server: s, WebSocketsCount: h.clients.CountServer(s)})
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.Memory = MemoryStats{Sys: mem.Sys, HeapSys: mem.HeapSys, HeapAlloc: mem.HeapAlloc, NumGC: mem.NumGC}

	JSON(w, http.StatusOK, report)
}

// handleHistory lists stored snapshots. Query parameters: since (RFC 3339)
// and limit.
func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.NotFound(w, r)
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	snaps, err := h.history.ListSnapshots(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.Error(err))
		JSONError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

// handleHealthz returns 200 if the tracker answers and the history store,
// when enabled, is readable.
func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	if _, err := h.tracker.Stats(ctx); err != nil {
		http.Error(w, "tracker unhealthy", http.StatusServiceUnavailable)
		return
	}
	if h.history != nil {
		if _, err := h.history.GetLastSweepTime(ctx); err != nil {
			http.Error(w, "store unhealthy", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HexInfoHash renders an info hash for reports. Each character stands for
// one byte of the binary hash.
func HexInfoHash(infoHash string) string {
	b := make([]byte, 0, len(infoHash))
	for _, r := range infoHash {
		b = append(b, byte(r))
	}
	return hex.EncodeToString(b)
}

// NewServerHandler routes WebSocket upgrades under path to ws and everything
// else to h. A path ending in "/" or "/*" matches as a prefix.
func NewServerHandler(ws http.Handler, h http.Handler, path string) http.Handler {
	prefix := strings.TrimSuffix(path, "*")
	matches := func(p string) bool {
		if strings.HasSuffix(prefix, "/") {
			return strings.HasPrefix(p, prefix)
		}
		return p == prefix
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) && matches(r.URL.Path) {
			ws.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, err string) {
	JSON(w, status, map[string]string{"error": err})
}
