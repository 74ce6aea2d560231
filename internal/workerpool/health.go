package workerpool

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/internal/buildinfo"
)

// HealthServer exposes the worker pool's liveness/readiness probes,
// generalized from the teacher's worker.HealthServer to this pool's
// queue/database/cache dependencies instead of SQS.
type HealthServer struct {
	pool   *Pool
	db     *sqlx.DB
	redis  *redis.Client
	server *http.Server
	ready  atomic.Bool
}

// NewHealthServer constructs a HealthServer bound to addr (e.g. ":8081").
func NewHealthServer(pool *Pool, db *sqlx.DB, redisClient *redis.Client, addr string) *HealthServer {
	hs := &HealthServer{pool: pool, db: db, redis: redisClient}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hs.handleLive)
	mux.HandleFunc("/health/ready", hs.handleReady)

	hs.server = &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	return hs
}

// Start begins serving and marks the worker ready.
func (hs *HealthServer) Start() error {
	hs.ready.Store(true)
	return hs.server.ListenAndServe()
}

// Shutdown marks the worker not-ready and stops the server.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.ready.Store(false)
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive", "version": buildinfo.GetVersion()})
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if !hs.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
		return
	}
	if err := hs.db.PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "database_unreachable"})
		return
	}
	if hs.redis != nil {
		if err := hs.redis.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "redis_unreachable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready", "worker_id": hs.pool.workerID})
}
