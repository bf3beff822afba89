package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Op identifies one robot action in a model-emitted tuple.
type Op int

const (
	OpSetTranslation Op = 0
	OpSetElevation   Op = 1
	OpMoveLeft       Op = 2
	OpMoveRight      Op = 3
	OpMoveServo      Op = 4
	OpWait           Op = 5
)

// Command is a decoded action tuple: [command_id, args...].
type Command struct {
	Op   Op
	Args []float64
}

// ParseTuples decodes raw model tuples, validating opcodes and arity.
func ParseTuples(raw [][]float64) ([]Command, error) {
	cmds := make([]Command, 0, len(raw))
	for i, tuple := range raw {
		if len(tuple) == 0 {
			return nil, fmt.Errorf("action tuple %d is empty", i)
		}
		op := Op(int(tuple[0]))
		if float64(int(tuple[0])) != tuple[0] {
			return nil, fmt.Errorf("action tuple %d: non-integer command id %v", i, tuple[0])
		}
		args := tuple[1:]

		want := 1
		if op == OpMoveServo {
			want = 2
		}
		switch op {
		case OpSetTranslation, OpSetElevation, OpMoveLeft, OpMoveRight, OpMoveServo, OpWait:
			if len(args) != want {
				return nil, fmt.Errorf("action tuple %d: command %d wants %d args, got %d", i, op, want, len(args))
			}
		default:
			return nil, fmt.Errorf("action tuple %d: unknown command id %d", i, op)
		}

		cmds = append(cmds, Command{Op: op, Args: args})
	}
	return cmds, nil
}

// Dispatcher owns the single-consumer hardware queue. Producers (dialogue,
// engine, poller) enqueue whole sequences without blocking; the worker
// drains them one command at a time with a short mechanical-safety spacing.
type Dispatcher struct {
	ctrl    *Controller
	queue   chan []Command
	spacing time.Duration
	maxWait time.Duration
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates the dispatcher. spacing <= 0 selects the 100ms
// default; queueSize <= 0 selects 32.
func NewDispatcher(ctrl *Controller, queueSize int, spacing time.Duration, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 32
	}
	if spacing <= 0 {
		spacing = 100 * time.Millisecond
	}
	return &Dispatcher{
		ctrl:    ctrl,
		queue:   make(chan []Command, queueSize),
		spacing: spacing,
		maxWait: time.Minute,
		logger:  logger.With("component", "dispatcher"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the drain worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("dispatcher started", "queue_size", cap(d.queue), "spacing", d.spacing)
}

// Stop signals the worker and waits for the in-flight sequence to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue queues a sequence for execution. It never blocks: when the queue
// is full the sequence is dropped and logged.
func (d *Dispatcher) Enqueue(cmds []Command) bool {
	if len(cmds) == 0 {
		return true
	}
	select {
	case d.queue <- cmds:
		return true
	default:
		d.logger.Warn("hardware queue full, sequence dropped", "commands", len(cmds))
		return false
	}
}

// EnqueueTuples parses raw model tuples and queues them. Malformed tuples
// are logged and dropped; the hardware never sees a partial decode.
func (d *Dispatcher) EnqueueTuples(raw [][]float64) {
	if len(raw) == 0 {
		return
	}
	cmds, err := ParseTuples(raw)
	if err != nil {
		d.logger.Warn("discarding malformed action tuples", "error", err)
		return
	}
	d.Enqueue(cmds)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case cmds := <-d.queue:
			d.execute(ctx, cmds)
		}
	}
}

// execute runs one sequence, pausing between commands. Hardware errors skip
// the offending command and continue; envelope rejections are expected and
// logged at debug.
func (d *Dispatcher) execute(ctx context.Context, cmds []Command) {
	for i, cmd := range cmds {
		if ctx.Err() != nil {
			return
		}

		if err := d.apply(ctx, cmd); err != nil {
			switch {
			case errors.Is(err, ErrEnvelope):
				d.logger.Debug("command dropped by envelope", "op", cmd.Op, "args", cmd.Args)
			case errors.Is(err, ErrNotConnected):
				d.logger.Warn("command skipped, hardware not connected", "op", cmd.Op)
			default:
				d.logger.Warn("command failed", "op", cmd.Op, "error", err)
			}
		}

		if i < len(cmds)-1 {
			if !d.sleep(ctx, d.spacing) {
				return
			}
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpSetTranslation:
		return d.ctrl.SetTranslation(cmd.Args[0])
	case OpSetElevation:
		return d.ctrl.SetElevation(cmd.Args[0])
	case OpMoveLeft:
		return d.ctrl.MoveLeft(cmd.Args[0])
	case OpMoveRight:
		return d.ctrl.MoveRight(cmd.Args[0])
	case OpMoveServo:
		return d.ctrl.MoveServo(int(math.Round(cmd.Args[0])), cmd.Args[1])
	case OpWait:
		wait := time.Duration(cmd.Args[0] * float64(time.Second))
		if wait > d.maxWait {
			d.logger.Warn("wait capped", "requested", wait, "cap", d.maxWait)
			wait = d.maxWait
		}
		if wait > 0 {
			d.sleep(ctx, wait)
		}
		return nil
	default:
		return fmt.Errorf("unknown command id %d", cmd.Op)
	}
}

// sleep pauses for dur unless shutdown arrives first.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
