// Package diag is the agent's observability surface: an explicit
// observer interface the engine reports into, and the HTTP handlers
// (/healthz, /debug/threads) that expose the reported state. Components
// receive an Observer at construction; there is no ambient global to
// reach for.
package diag

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
)

// Observer receives engine state transitions. Implementations must be
// cheap and non-blocking; they are called from sync paths.
type Observer interface {
	// TimelineChanged fires after a thread's visible timeline changed.
	TimelineChanged(threadID models.Ident, visible, pending int)
	// TransportChanged fires on connection state transitions.
	TransportChanged(path, state string)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) TimelineChanged(models.Ident, int, int) {}
func (Nop) TransportChanged(string, string)        {}

type threadInfo struct {
	ThreadID models.Ident `json:"thread_id"`
	Visible  int          `json:"visible"`
	Pending  int          `json:"pending"`
	Updated  string       `json:"updated_at"`
}

// Recorder is the default Observer: it keeps the latest observation per
// thread and serves it over the debug endpoints.
type Recorder struct {
	mu        sync.Mutex
	threads   map[models.Ident]threadInfo
	transport map[string]string
	cachePath string
}

func NewRecorder(cachePath string) *Recorder {
	return &Recorder{
		threads:   map[models.Ident]threadInfo{},
		transport: map[string]string{},
		cachePath: cachePath,
	}
}

func (r *Recorder) TimelineChanged(threadID models.Ident, visible, pending int) {
	r.mu.Lock()
	r.threads[threadID] = threadInfo{
		ThreadID: threadID,
		Visible:  visible,
		Pending:  pending,
		Updated:  time.Now().UTC().Format(time.RFC3339),
	}
	r.mu.Unlock()
}

func (r *Recorder) TransportChanged(path, state string) {
	r.mu.Lock()
	r.transport[path] = state
	r.mu.Unlock()
	logger.Info("transport_state", "path", path, "state", state)
}

// Register mounts the diagnostic endpoints on the router.
func (r *Recorder) Register(router *mux.Router) {
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/debug/threads", r.handleThreads).Methods(http.MethodGet)
	router.HandleFunc("/debug/transport", r.handleTransport).Methods(http.MethodGet)
}

func (r *Recorder) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if free, total, err := diskUsage(r.cachePath); err == nil {
		resp["cache_disk_free_bytes"] = free
		resp["cache_disk_total_bytes"] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Recorder) handleThreads(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	out := make([]threadInfo, 0, len(r.threads))
	for _, info := range r.threads {
		out = append(out, info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

func (r *Recorder) handleTransport(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	out := make(map[string]string, len(r.transport))
	for k, v := range r.transport {
		out[k] = v
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func diskUsage(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
