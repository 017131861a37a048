package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// Delivery is one outbound message handed to the Deliverer.
type Delivery struct {
	Text     string
	RoomID   string
	ToUserID string
}

// Deliverer sends messages to users. Implementations live at the transport
// boundary (a chat connector, a webhook, a test double).
type Deliverer interface {
	SendText(ctx context.Context, d Delivery) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, d Delivery) error

// SendText implements Deliverer.
func (f DelivererFunc) SendText(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Event describes one dispatch outcome, fed to the OnDispatch hook.
type Event struct {
	TaskID   int64
	Phase    Phase
	Text     string
	ToUserID string
	RoomID   string
	Status   types.TaskStatus
	Err      string
}

// Options tune the polling loop.
type Options struct {
	// Interval between polls. Default 15s, floor 500ms.
	Interval time.Duration
	// RetryDelay pushes a failed task's due_at forward. Default 60s, floor 1s.
	RetryDelay time.Duration
	// BatchLimit caps tasks fetched per poll. Default 32.
	BatchLimit int
	// SendRate throttles outbound deliveries. Zero means no throttle.
	SendRate rate.Limit
	// SendBurst is the limiter burst size. Default 1 when SendRate is set.
	SendBurst int
	// BreakerFailures opens the delivery circuit after this many consecutive
	// failures. Default 5.
	BreakerFailures uint32
	// BreakerTimeout holds the circuit open before probing again. Default 30s.
	BreakerTimeout time.Duration
	// OnDispatch observes every dispatch attempt. Optional.
	OnDispatch func(Event)
}

func (o *Options) normalize() {
	if o.Interval < 500*time.Millisecond {
		if o.Interval <= 0 {
			o.Interval = 15 * time.Second
		} else {
			o.Interval = 500 * time.Millisecond
		}
	}
	if o.RetryDelay < time.Second {
		if o.RetryDelay <= 0 {
			o.RetryDelay = time.Minute
		} else {
			o.RetryDelay = time.Second
		}
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 32
	}
	if o.SendRate > 0 && o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
}

// Scheduler polls the task store and delivers runnable tasks. Each instance
// carries a unique id recorded in claimed_by, so a stuck claim can be traced
// back to the process that took it.
type Scheduler struct {
	tasks      storage.TaskStore
	deliver    Deliverer
	opts       Options
	instanceID string
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
}

// New creates a scheduler over the given task store and deliverer.
func New(tasks storage.TaskStore, deliver Deliverer, opts Options) *Scheduler {
	opts.normalize()

	s := &Scheduler{
		tasks:      tasks,
		deliver:    deliver,
		opts:       opts,
		instanceID: uuid.NewString(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "task-delivery",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("scheduler: delivery breaker %s -> %s", from, to)
		},
	})
	if opts.SendRate > 0 {
		s.limiter = rate.NewLimiter(opts.SendRate, opts.SendBurst)
	}
	return s
}

// InstanceID returns the claim identity of this scheduler.
func (s *Scheduler) InstanceID() string { return s.instanceID }

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler: started instance=%s interval=%s", s.instanceID, s.opts.Interval)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, time.Now())
		select {
		case <-ctx.Done():
			log.Printf("scheduler: stopped instance=%s", s.instanceID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnce processes one batch of runnable tasks. Every per-task error is
// contained: it is logged, the task is rescheduled or cancelled, and the
// loop moves on.
func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	tasks, err := s.tasks.ListRunnableTasks(ctx, now, s.opts.BatchLimit)
	if err != nil {
		log.Printf("scheduler: list runnable tasks failed: %v", err)
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.processTask(ctx, task, now)
	}
}

func (s *Scheduler) processTask(ctx context.Context, task *types.Task, now time.Time) {
	expected := []types.TaskStatus{types.TaskPending, types.TaskAnswerReceived}
	claimed, err := s.tasks.TryClaimTask(ctx, task.ID, expected, s.instanceID)
	if err != nil {
		log.Printf("scheduler: claim failed task=%d: %v", task.ID, err)
		return
	}
	if !claimed {
		return
	}

	dispatch := BuildDispatch(task)
	if dispatch == nil {
		log.Printf("scheduler: task %d has nothing to send, cancelling", task.ID)
		if err := s.tasks.UpdateTaskStatus(ctx, task.ID, types.TaskCancelled); err != nil {
			log.Printf("scheduler: cancel failed task=%d: %v", task.ID, err)
		}
		s.emit(Event{TaskID: task.ID, Status: types.TaskCancelled})
		return
	}

	if err := s.send(ctx, dispatch); err != nil {
		log.Printf("scheduler: dispatch failed task=%d phase=%s: %v", task.ID, dispatch.Phase, err)
		s.reschedule(ctx, task.ID, dispatch.Phase, now)
		s.emit(Event{
			TaskID: task.ID, Phase: dispatch.Phase, Text: dispatch.Text,
			ToUserID: dispatch.ToUserID, RoomID: dispatch.RoomID, Err: err.Error(),
		})
		return
	}

	next := types.TaskDone
	if dispatch.Phase == PhaseAsk {
		next = types.TaskWaitingAnswer
	}
	if err := s.tasks.UpdateTaskStatus(ctx, task.ID, next); err != nil {
		log.Printf("scheduler: status advance failed task=%d: %v", task.ID, err)
	} else {
		log.Printf("scheduler: task %d -> %s", task.ID, next)
	}
	s.emit(Event{
		TaskID: task.ID, Phase: dispatch.Phase, Text: dispatch.Text,
		ToUserID: dispatch.ToUserID, RoomID: dispatch.RoomID, Status: next,
	})
}

// send pushes one delivery through the rate limiter and circuit breaker. An
// open breaker counts as a delivery failure, so the task is rescheduled
// instead of lost.
func (s *Scheduler) send(ctx context.Context, d *Dispatch) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.deliver.SendText(ctx, Delivery{
			Text:     d.Text,
			RoomID:   d.RoomID,
			ToUserID: d.ToUserID,
		})
	})
	return err
}

// reschedule reverts a claimed task after a failed delivery, pushing due_at
// forward. Phase-two tasks keep answer_received so the reply is retried, not
// the question.
func (s *Scheduler) reschedule(ctx context.Context, taskID int64, phase Phase, now time.Time) {
	status := types.TaskPending
	if phase == PhaseReplyBack {
		status = types.TaskAnswerReceived
	}
	due := now.Add(s.opts.RetryDelay)

	err := s.tasks.UpdateTaskFields(ctx, taskID, storage.UpdateTaskParams{
		Status: &status,
		DueAt:  &due,
	})
	if err != nil {
		log.Printf("scheduler: backoff update failed task=%d: %v", taskID, err)
	}
}

func (s *Scheduler) emit(ev Event) {
	if s.opts.OnDispatch != nil {
		s.opts.OnDispatch(ev)
	}
}
