package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the coordinator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance processing.
type Observer interface {
	// OnInstanceStart is called once when an instance is created, before
	// its first replay pass runs.
	OnInstanceStart(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceCompleted is called when an instance reaches StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceFailed is called when an instance transitions to StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnActivityStart is called before an activity function is invoked.
	OnActivityStart(ctx context.Context, instanceID, activity string, callID int64)

	// OnActivityCompleted is called after an activity function returns, for
	// both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, instanceID, activity string, callID int64, err error, duration time.Duration)

	// OnTimerFired is called when a durable timer firing is recorded.
	OnTimerFired(ctx context.Context, instanceID string, callID int64)

	// OnEventDelivered is called when an external event is matched to a
	// pending wait or durably buffered for a wait the instance has not
	// reached yet.
	OnEventDelivered(ctx context.Context, instanceID, event string, buffered bool)

	// OnEventDropped is called when an external event arrives for a wait
	// that is already resolved or for a terminal instance. Dropping is a
	// no-op for the caller, not a fault.
	OnEventDropped(ctx context.Context, instanceID, event string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance)               {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance)           {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error)   {}
func (NoopObserver) OnActivityStart(ctx context.Context, instanceID, activity string, callID int64) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, callID int64, err error, d time.Duration) {
}
func (NoopObserver) OnTimerFired(ctx context.Context, instanceID string, callID int64)       {}
func (NoopObserver) OnEventDelivered(ctx context.Context, instanceID, event string, b bool)  {}
func (NoopObserver) OnEventDropped(ctx context.Context, instanceID, event string)            {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, instanceID, activity string, callID int64) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, instanceID, activity, callID)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, callID int64, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, activity, callID, err, d)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, instanceID string, callID int64) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, instanceID, callID)
	}
}

func (c *CompositeObserver) OnEventDelivered(ctx context.Context, instanceID, event string, buffered bool) {
	for _, o := range c.observers {
		o.OnEventDelivered(ctx, instanceID, event, buffered)
	}
}

func (c *CompositeObserver) OnEventDropped(ctx context.Context, instanceID, event string) {
	for _, o := range c.observers {
		o.OnEventDropped(ctx, instanceID, event)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, instanceID, activity string, callID int64) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int64("call_id", callID),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, callID int64, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int64("call_id", callID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, instanceID string, callID int64) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("instance_id", instanceID),
		slog.Int64("call_id", callID),
	)
}

func (o *LoggingObserver) OnEventDelivered(ctx context.Context, instanceID, event string, buffered bool) {
	o.Logger.InfoContext(ctx, "event_delivered",
		slog.String("instance_id", instanceID),
		slog.String("event", event),
		slog.Bool("buffered", buffered),
	)
}

func (o *LoggingObserver) OnEventDropped(ctx context.Context, instanceID, event string) {
	o.Logger.InfoContext(ctx, "event_dropped",
		slog.String("instance_id", instanceID),
		slog.String("event", event),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesFailed     atomic.Int64
	activitiesCompleted atomic.Int64
	timersFired         atomic.Int64
	eventsDelivered     atomic.Int64
	eventsDropped       atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	PendingInstances   int64

	ActivitiesCompleted int64
	TimersFired         int64
	EventsDelivered     int64
	EventsDropped       int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *WorkflowInstance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, activity string, callID int64, err error, d time.Duration) {
	// Only count successful activities for average duration.
	if err == nil {
		m.activitiesCompleted.Add(1)
		m.totalActivityTime.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, instanceID string, callID int64) {
	m.timersFired.Add(1)
}

func (m *BasicMetrics) OnEventDelivered(ctx context.Context, instanceID, event string, buffered bool) {
	m.eventsDelivered.Add(1)
}

func (m *BasicMetrics) OnEventDropped(ctx context.Context, instanceID, event string) {
	m.eventsDropped.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	activities := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if activities > 0 {
		avg = time.Duration(totalNs / activities)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		PendingInstances:    started - completed - failed,
		ActivitiesCompleted: activities,
		TimersFired:         m.timersFired.Load(),
		EventsDelivered:     m.eventsDelivered.Load(),
		EventsDropped:       m.eventsDropped.Load(),
		AvgActivityDuration: avg,
	}
}
