package streaming

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// DefaultIdleGrace is how long the forwarder waits for the next event before
// treating the stream as ended. A stalled upstream provider must not pin the
// run forever.
const DefaultIdleGrace = 60 * time.Second

// maxCaptionLen bounds the derived caption.
const maxCaptionLen = 120

// EventAppender persists chain events into the capped per-run log.
type EventAppender interface {
	AppendRunEvent(ctx context.Context, runUUID string, event schema.ChainEvent) (int64, error)
}

// CaptionUpdater persists caption updates for a live run.
type CaptionUpdater interface {
	UpdateCaption(ctx context.Context, ref schema.RunRef, caption string) error
}

// Forwarder drains a run's event stream and republishes it: every event is
// appended to the durable per-run log, broadcast on the hub with its log
// index, and inspected to keep a short human-readable caption current.
type Forwarder struct {
	appender EventAppender
	hub      EventHub
	captions CaptionUpdater
	idle     time.Duration
	logger   *slog.Logger
}

// NewForwarder creates a forwarder. idle <= 0 selects the default grace.
func NewForwarder(appender EventAppender, hub EventHub, captions CaptionUpdater, idle time.Duration, logger *slog.Logger) *Forwarder {
	if idle <= 0 {
		idle = DefaultIdleGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{appender: appender, hub: hub, captions: captions, idle: idle, logger: logger}
}

// Forward consumes events until the stream closes, the idle grace elapses, or
// ctx is cancelled. Idle expiry is graceful end-of-stream, not an error.
// closer releases the upstream reader and runs regardless of outcome.
func (f *Forwarder) Forward(ctx context.Context, ref schema.RunRef, events <-chan schema.ChainEvent, closer func()) error {
	if closer != nil {
		defer closer()
	}

	var text strings.Builder
	timer := time.NewTimer(f.idle)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.relay(ctx, ref, ev, &text)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(f.idle)
		case <-timer.C:
			f.logger.WarnContext(ctx, "stream idle grace elapsed", "run_uuid", ref.RunUUID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// relay persists and broadcasts one event. Both steps are best-effort: a
// forwarding hiccup must never fail the run itself.
func (f *Forwarder) relay(ctx context.Context, ref schema.RunRef, ev schema.ChainEvent, text *strings.Builder) {
	index, err := f.appender.AppendRunEvent(ctx, ref.RunUUID, ev)
	if err != nil {
		f.logger.WarnContext(ctx, "run event append failed", "run_uuid", ref.RunUUID, "error", err)
	}

	_ = f.hub.Publish(ctx, StreamEvent{
		RunUUID:   ref.RunUUID,
		EventType: schema.EventRunStream,
		Index:     index,
		Payload:   ev,
	})

	if caption := deriveCaption(ev, text); caption != "" && f.captions != nil {
		go func() {
			captionCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := f.captions.UpdateCaption(captionCtx, ref, caption); err != nil {
				f.logger.DebugContext(captionCtx, "caption update skipped", "run_uuid", ref.RunUUID, "error", err)
			}
		}()
	}
}

// deriveCaption turns an event into a short status string, or "" when the
// event carries nothing caption-worthy. Provider text accumulates across
// deltas and resets on step boundaries so the caption tracks the latest
// response fragment.
func deriveCaption(ev schema.ChainEvent, text *strings.Builder) string {
	switch ev.DataType() {
	case schema.EventDataToolCall:
		if name := ev.DataString("name"); name != "" {
			return truncateCaption("Running " + name + "...")
		}
	case schema.EventDataIntegrationWakeup:
		if name := ev.DataString("integration"); name != "" {
			return truncateCaption("Waking up " + name + "...")
		}
	case schema.EventDataStepStarted:
		text.Reset()
	case schema.EventDataTextDelta:
		if ev.Event == schema.ChainEventProvider {
			text.WriteString(ev.DataString("text"))
			return truncateCaption(text.String())
		}
	}
	return ""
}

func truncateCaption(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxCaptionLen {
		return s
	}
	return s[:maxCaptionLen-3] + "..."
}
