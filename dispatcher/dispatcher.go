// Package dispatcher classifies inbound messages and routes them to
// registered handlers or to other sessions' mailboxes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/metrics"
	"github.com/cyberinferno/go-sessionhub/session"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidMessage is wrapped by the error of an Errored result caused by a
// message that could not be classified.
var ErrInvalidMessage = errors.New("invalid message")

// ErrHandlerPanic is wrapped when a handler panics.
var ErrHandlerPanic = errors.New("handler panicked")

// Registry is the part of session.Registry the dispatcher routes through.
type Registry interface {
	Send(id session.SessionID, msg session.Message) error
	Broadcast(msg session.Message, match func(session.SessionID) bool) session.BroadcastReport
}

// Handler consumes messages routed to the application. It runs on the
// sender's inbound goroutine and may call back into the registry.
type Handler func(ctx context.Context, origin session.SessionID, msg session.Message)

// Outcome is the terminal state of one Dispatch.
type Outcome int

const (
	Routed Outcome = iota
	Dropped
	Errored
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Routed:
		return "routed"
	case Dropped:
		return "dropped"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Result describes what happened to one message. Delivered and Dropped
// count targets for direct and broadcast routes.
type Result struct {
	Outcome   Outcome
	Route     Route
	Delivered int
	Dropped   int
	Err       error
}

// Options configures a Dispatcher.
type Options struct {
	Registry    Registry
	Logger      logger.Logger
	Recorder    metrics.Recorder
	Concurrency int64 // handlers running at once across all sessions
}

// Dispatcher routes messages. Handlers are registered per kind with
// OnMessage before or during serving.
type Dispatcher struct {
	registry Registry
	log      logger.Logger
	recorder metrics.Recorder
	sem      *semaphore.Weighted

	mu       sync.RWMutex
	handlers map[session.Kind]Handler
}

// New creates a Dispatcher.
//
// Parameters:
//   - opts: Registry is required; Logger and Recorder default to no-ops and
//     Concurrency to 64
//
// Returns:
//   - A Dispatcher with no handlers registered
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 64
	}

	return &Dispatcher{
		registry: opts.Registry,
		log:      opts.Logger.With(logger.Field{Key: "component", Value: "dispatcher"}),
		recorder: opts.Recorder,
		sem:      semaphore.NewWeighted(opts.Concurrency),
		handlers: make(map[session.Kind]Handler),
	}
}

// OnMessage registers h for messages of kind that classify to
// RouteHandler, replacing any previous handler. A nil h unregisters.
func (d *Dispatcher) OnMessage(kind session.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

func (d *Dispatcher) handler(kind session.Kind) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[kind]
}

// Dispatch classifies msg and carries out its route. Missing targets and
// full mailboxes drop the message for that target only; the sender is not
// informed. Invalid messages are counted and reported as Errored.
//
// When the handler limit is reached Dispatch blocks until a slot frees or
// ctx is done, which in turn stops the caller reading from its connection.
func (d *Dispatcher) Dispatch(ctx context.Context, msg session.Message) Result {
	route := Classify(msg)

	switch route.Kind {
	case RouteHandler:
		return d.runHandler(ctx, route, msg)
	case RouteBroadcast:
		return d.broadcast(route, msg)
	case RouteDirect:
		return d.direct(route, msg)
	default:
		d.recorder.MessageDropped(metrics.ReasonInvalid)
		d.msgLog(route, msg).Warn("invalid message", logger.Field{Key: "reason", Value: route.Reason})
		return Result{
			Outcome: Errored,
			Route:   route,
			Err:     fmt.Errorf("%w: %s", ErrInvalidMessage, route.Reason),
		}
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, route Route, msg session.Message) (res Result) {
	h := d.handler(msg.Kind())
	if h == nil {
		d.recorder.MessageDropped(metrics.ReasonNoHandler)
		d.msgLog(route, msg).Debug("no handler registered", logger.Field{Key: "kind", Value: msg.Kind().String()})
		return Result{Outcome: Dropped, Route: route, Dropped: 1}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Result{Outcome: Errored, Route: route, Err: fmt.Errorf("waiting for handler slot: %w", err)}
	}
	defer d.sem.Release(1)

	start := time.Now()
	defer func() {
		d.recorder.HandlerDone(msg.Kind().String(), start)
		if r := recover(); r != nil {
			d.msgLog(route, msg).Error("handler panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			res = Result{Outcome: Errored, Route: route, Err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
		}
	}()

	h(ctx, msg.Origin(), msg)
	d.recorder.MessageRouted(route.Kind.String())
	return Result{Outcome: Routed, Route: route, Delivered: 1}
}

func (d *Dispatcher) broadcast(route Route, msg session.Message) Result {
	origin := msg.Origin()
	report := d.registry.Broadcast(msg, func(id session.SessionID) bool {
		return id != origin
	})

	for id, err := range report.Failed {
		d.recorder.MessageDropped(dropReason(err))
		d.msgLog(route, msg).Debug("broadcast target dropped",
			logger.Field{Key: "target", Value: string(id)},
			logger.Field{Key: "error", Value: err.Error()})
	}

	return d.finish(route, len(report.Delivered), len(report.Failed))
}

func (d *Dispatcher) direct(route Route, msg session.Message) Result {
	delivered, dropped := 0, 0
	for _, target := range route.Targets {
		if err := d.registry.Send(target, msg); err != nil {
			dropped++
			d.recorder.MessageDropped(dropReason(err))
			d.msgLog(route, msg).Debug("direct target dropped",
				logger.Field{Key: "target", Value: string(target)},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		delivered++
	}

	return d.finish(route, delivered, dropped)
}

func (d *Dispatcher) finish(route Route, delivered, dropped int) Result {
	if delivered == 0 {
		if dropped == 0 {
			d.recorder.MessageDropped(metrics.ReasonNoTarget)
		}
		return Result{Outcome: Dropped, Route: route, Dropped: dropped}
	}

	d.recorder.MessageRouted(route.Kind.String())
	return Result{Outcome: Routed, Route: route, Delivered: delivered, Dropped: dropped}
}

// msgLog is only built on drop and error paths.
func (d *Dispatcher) msgLog(route Route, msg session.Message) logger.Logger {
	return d.log.With(
		logger.Field{Key: "session_id", Value: string(msg.Origin())},
		logger.Field{Key: "route", Value: route.Kind.String()})
}

func dropReason(err error) string {
	if errors.Is(err, session.ErrBackpressure) {
		return metrics.ReasonBackpressure
	}
	return metrics.ReasonNoTarget
}
