package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveloop/internal/runtime/diagnostics"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	idspkg "github.com/drblury/liveloop/internal/runtime/ids"
	"github.com/drblury/liveloop/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
)

// Control actions.
const (
	ActionRun      = "run"
	ActionStop     = "stop"
	ActionCloseAll = "close_all"
)

const metadataEventType = "event_type"

// Command is the JSON payload of a control message.
type Command struct {
	Action   string `json:"action"`
	Instance int    `json:"instance"`
}

// CommandTarget executes control commands. *Registry implements it.
type CommandTarget interface {
	DispatchRun(ctx context.Context, id int) error
	DispatchStop(id int) error
	CloseAllInstances() []int
}

// CommandError marks a command that will fail no matter how often it is
// delivered.
type CommandError struct {
	Command Command
	Err     error
}

func (e *CommandError) Error() string {
	if e.Command.Action == "" {
		return fmt.Sprintf("control command: %v", e.Err)
	}
	return fmt.Sprintf("control command %s(%d): %v", e.Command.Action, e.Command.Instance, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsPermanent reports whether err came from a command that cannot succeed.
func IsPermanent(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// NewCommandMessage encodes cmd as a watermill message with a fresh ULID.
func NewCommandMessage(cmd Command) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	id := idspkg.CreateULID()
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(metadataCorrelationID, id)
	return msg, nil
}

// PublishCommand sends cmd on topic.
func PublishCommand(pub message.Publisher, topic string, cmd Command) error {
	if pub == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	msg, err := NewCommandMessage(cmd)
	if err != nil {
		return err
	}
	return pub.Publish(topic, msg)
}

// DecodeCommand parses and checks a control payload.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := jsoncodec.Unmarshal(payload, &cmd); err != nil {
		return cmd, &CommandError{Err: fmt.Errorf("decode: %w", err)}
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))
	switch cmd.Action {
	case ActionRun, ActionStop:
		if cmd.Instance < 0 {
			return cmd, &CommandError{Command: cmd, Err: errspkg.ErrUnknownInstance}
		}
	case ActionCloseAll:
	default:
		return cmd, &CommandError{Command: cmd, Err: errspkg.ErrUnknownCommand}
	}
	return cmd, nil
}

// CommandHandler executes control messages against target. Failures that a
// redelivery cannot fix are returned as *CommandError. stats may be nil.
func CommandHandler(target CommandTarget, stats *CommandStats, logger loggingpkg.ServiceLogger) message.NoPublishHandlerFunc {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return func(msg *message.Message) error {
		start := time.Now()
		cmd, err := DecodeCommand(msg.Payload)
		if err == nil {
			err = executeCommand(msg.Context(), target, cmd, logger)
		}
		stats.Record(cmd.Action, time.Since(start), err)
		return err
	}
}

func executeCommand(ctx context.Context, target CommandTarget, cmd Command, logger loggingpkg.ServiceLogger) error {
	var err error
	switch cmd.Action {
	case ActionRun:
		err = target.DispatchRun(ctx, cmd.Instance)
	case ActionStop:
		err = target.DispatchStop(cmd.Instance)
	case ActionCloseAll:
		if refused := target.CloseAllInstances(); len(refused) > 0 {
			logger.Info("Instances refused to close", loggingpkg.LogFields{"refused": refused})
		}
	}
	if err == nil || errors.Is(err, errspkg.ErrRegistryClosed) {
		return err
	}
	return &CommandError{Command: cmd, Err: err}
}

// Lifecycle event types.
const (
	EventWorkerStarted    = "worker.started"
	EventHotSwapApplied   = "worker.swap_applied"
	EventHotSwapRejected  = "worker.swap_rejected"
	EventWorkerWarning    = "worker.warning"
	EventWorkerStopped    = "worker.stopped"
	EventWorkerFailed     = "worker.failed"
	defaultEventQueueSize = 256
)

// Event is the JSON payload published for every worker lifecycle change.
type Event struct {
	Type     string    `json:"type"`
	Instance int       `json:"instance"`
	RunID    string    `json:"run_id"`
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason,omitempty"`
	Message  string    `json:"message,omitempty"`
	Line     int       `json:"line"`
	At       time.Time `json:"at"`
}

// EventPublisher forwards lifecycle events to a topic from its own
// goroutine, so hooks running on the registry goroutine never wait on the
// transport. Events are dropped when the queue is full.
type EventPublisher struct {
	pub    message.Publisher
	topic  string
	logger loggingpkg.ServiceLogger
	queue  chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewEventPublisher builds an EventPublisher. size <= 0 uses a default queue.
func NewEventPublisher(pub message.Publisher, topic string, logger loggingpkg.ServiceLogger, size int) (*EventPublisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	if size <= 0 {
		size = defaultEventQueueSize
	}
	return &EventPublisher{pub: pub, topic: topic, logger: logger, queue: make(chan Event, size)}, nil
}

// Enqueue queues ev without blocking.
func (p *EventPublisher) Enqueue(ev Event) bool {
	select {
	case p.queue <- ev:
		return true
	default:
		if p.dropped.Add(1) == 1 {
			p.logger.Info("Event queue full, dropping events", loggingpkg.LogFields{"topic": p.topic})
		}
		return false
	}
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// left.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return nil
				}
			}
		}
	}
}

// Published returns how many events reached the transport.
func (p *EventPublisher) Published() uint64 { return p.published.Load() }

// Dropped returns how many events were discarded on a full queue.
func (p *EventPublisher) Dropped() uint64 { return p.dropped.Load() }

func (p *EventPublisher) publish(ev Event) {
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode event", err, loggingpkg.LogFields{"type": ev.Type})
		return
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(metadataEventType, ev.Type)
	if ev.RunID != "" {
		msg.Metadata.Set(metadataCorrelationID, ev.RunID)
	}
	if err := p.pub.Publish(p.topic, msg); err != nil {
		p.logger.Error("Failed to publish event", err, loggingpkg.LogFields{"type": ev.Type, "topic": p.topic})
		return
	}
	p.published.Add(1)
}

// EventHooks turns worker lifecycle callbacks into events on p.
func EventHooks(p *EventPublisher) WorkerHooks {
	emit := func(typ string, ctx WorkerContext, d diagnostics.Diagnostic) {
		ev := Event{
			Type:     typ,
			Instance: ctx.Instance,
			RunID:    ctx.RunID,
			Kind:     ctx.Kind.String(),
			Message:  d.Message,
			Line:     d.Line,
			At:       time.Now().UTC(),
		}
		if typ == EventWorkerStopped || typ == EventWorkerFailed {
			ev.Reason = ctx.Reason.String()
		}
		if d.Message == "" {
			ev.Line = diagnostics.NoLine
		}
		p.Enqueue(ev)
	}

	return WorkerHooks{
		OnWorkerStart: func(ctx WorkerContext) {
			emit(EventWorkerStarted, ctx, diagnostics.Diagnostic{})
		},
		OnWorkerSwap: func(ctx WorkerContext, err error) {
			if err == nil {
				emit(EventHotSwapApplied, ctx, diagnostics.Diagnostic{})
				return
			}
			emit(EventHotSwapRejected, ctx, diagnostics.FromError(err))
		},
		OnWorkerWarning: func(ctx WorkerContext) {
			emit(EventWorkerWarning, ctx, ctx.Diagnostic)
		},
		OnWorkerDone: func(ctx WorkerContext) {
			emit(EventWorkerStopped, ctx, ctx.Diagnostic)
		},
		OnWorkerError: func(ctx WorkerContext, err error) {
			d := ctx.Diagnostic
			if d.Message == "" {
				d = diagnostics.FromError(err)
			}
			emit(EventWorkerFailed, ctx, d)
		},
	}
}
