// Package api exposes the analysis session controls over HTTP. Requests
// arriving here run with the direct lineage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/lock"
	"github.com/linnemanlabs/argus/internal/progress"
	"github.com/linnemanlabs/argus/internal/provider"
	"github.com/linnemanlabs/argus/internal/snapshot"
)

// AnalysisService defines the session operations the API needs.
type AnalysisService interface {
	Submit(ctx context.Context, alertID string) (*analysis.SubmitResult, error)
	Result(ctx context.Context, alertID string) (*analysis.Record, bool, error)
	Reset(ctx context.Context, alertID string) error
	RetryStep(ctx context.Context, alertID, key string) (*analysis.Record, error)
	SubmitContinue(ctx context.Context, alertID, key string) (*analysis.Record, error)
}

// EventSource hands out live progress subscriptions.
type EventSource interface {
	Subscribe(alertID string) (*progress.Subscriber, func())
}

// SnapshotLister lists archived records.
type SnapshotLister interface {
	List(ctx context.Context, alertID string) ([]snapshot.Snapshot, error)
}

// Providers is the subset of the provider registry the API exposes.
type Providers interface {
	Types() []provider.Type
	Resolve(t provider.Type) (provider.Adapter, error)
	Status(ctx context.Context, t provider.Type, cfg provider.Config) provider.Status
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       AnalysisService
	events    EventSource
	snapshots SnapshotLister
	providers Providers
	heartbeat time.Duration
}

// Option configures optional API surfaces.
type Option func(*API)

// WithEvents enables the SSE progress stream.
func WithEvents(e EventSource) Option { return func(a *API) { a.events = e } }

// WithSnapshots enables the snapshot listing.
func WithSnapshots(s SnapshotLister) Option { return func(a *API) { a.snapshots = s } }

// WithProviders enables the provider endpoints.
func WithProviders(p Providers) Option { return func(a *API) { a.providers = p } }

// WithHeartbeat sets the SSE keepalive interval.
func WithHeartbeat(d time.Duration) Option { return func(a *API) { a.heartbeat = d } }

// New creates a new API handler.
func New(logger log.Logger, svc AnalysisService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("analysis service is required"))
	}
	a := &API{
		logger:    logger,
		svc:       svc,
		heartbeat: 15 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/analyses/{alertID}", func(r chi.Router) {
			r.Use(directLineage)
			r.Post("/", a.handleSubmit)
			r.Get("/", a.handleResult)
			r.Delete("/", a.handleReset)
			r.Post("/steps/{step}/retry", a.handleRetry)
			r.Post("/steps/{step}/continue", a.handleContinue)
			if a.events != nil {
				r.Get("/events", a.handleEvents)
			}
			if a.snapshots != nil {
				r.Get("/snapshots", a.handleSnapshots)
			}
		})
		if a.providers != nil {
			r.Get("/providers", a.handleProviders)
			r.Post("/providers/{type}/status", a.handleProviderStatus)
		}
	})
}

func directLineage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(analysis.WithLineage(r.Context(), analysis.LineageDirect)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	if errors.Is(err, lock.ErrBusy) {
		return http.StatusConflict
	}
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindInvalidState:
		return http.StatusConflict
	case fault.KindUnsupportedProvider:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	code := statusFor(err)
	text := err.Error()
	if code == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		text = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": text})
}
