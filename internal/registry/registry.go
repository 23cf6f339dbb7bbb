package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// Registry is the source of truth for "is this run alive". Entries are
// grouped per (workspace, project, document) and keyed by run UUID. Every
// mutation is a single atomic store operation so concurrent start/stop/end
// races cannot lose updates.
type Registry struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewRegistry creates a registry over the given store and hub.
func NewRegistry(st store.Store, hub streaming.EventHub, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, hub: hub, logger: logger}
}

// Create registers a run at enqueue time, before any worker picks it up.
func (r *Registry) Create(ctx context.Context, ref schema.RunRef, run *schema.ActiveRun) error {
	if run.UUID == "" {
		run.UUID = ref.RunUUID
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = time.Now().UTC()
	}
	if err := r.store.CreateActiveRun(ctx, ref, run); err != nil {
		return err
	}
	r.publish(ref, schema.EventRunQueued, run)
	return nil
}

// Get returns the live run entry, or NOT_FOUND when the run already ended.
func (r *Registry) Get(ctx context.Context, ref schema.RunRef) (*schema.ActiveRun, error) {
	return r.store.GetActiveRun(ctx, ref)
}

// List returns all live runs of one document.
func (r *Registry) List(ctx context.Context, workspaceID, projectID int64, documentUUID string) ([]*schema.ActiveRun, error) {
	return r.store.ListActiveRuns(ctx, workspaceID, projectID, documentUUID)
}

// Start stamps the run as executing and publishes a run started event.
func (r *Registry) Start(ctx context.Context, ref schema.RunRef, startedAt time.Time) error {
	if err := r.store.StartActiveRun(ctx, ref, startedAt); err != nil {
		return err
	}
	r.publish(ref, schema.EventRunStarted, map[string]any{"startedAt": startedAt.UTC()})
	return nil
}

// UpdateCaption persists a short human-readable status string. Purely UX:
// callers treat failures as best-effort and must never fail a run over them.
func (r *Registry) UpdateCaption(ctx context.Context, ref schema.RunRef, caption string) error {
	return r.store.UpdateActiveRunCaption(ctx, ref, caption)
}

// End atomically deletes the run entry and returns its last snapshot. The
// delete is the authoritative "run is over" signal: a second End returns
// NOT_FOUND and publishes nothing, so completion and operator stop can race
// to end the same run without duplicate events. The run ended event carries
// the metrics when the caller knows them.
func (r *Registry) End(ctx context.Context, ref schema.RunRef, metrics *schema.RunMetrics, experimentUUID string) (*schema.ActiveRun, error) {
	snapshot, err := r.store.EndActiveRun(ctx, ref)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"run": snapshot}
	if metrics != nil {
		payload["metrics"] = metrics
	}
	if experimentUUID != "" {
		payload["experimentUuid"] = experimentUUID
	}
	r.publish(ref, schema.EventRunEnded, payload)
	r.logger.InfoContext(ctx, "run ended", "run_uuid", ref.RunUUID)
	return snapshot, nil
}

func (r *Registry) publish(ref schema.RunRef, eventType string, payload any) {
	if r.hub == nil {
		return
	}
	_ = r.hub.Publish(context.Background(), streaming.StreamEvent{
		RunUUID:   ref.RunUUID,
		EventType: eventType,
		Payload:   payload,
	})
}
