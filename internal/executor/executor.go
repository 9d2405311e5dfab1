// Package executor schedules order sagas. A single loop goroutine starts and
// resumes every saga; external calls run on their own goroutines and post
// their outcome back to the loop, so engine state is only read and written
// from one place while independent sagas interleave.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/metrics"
	"github.com/alanyoungcy/marginbot/internal/saga"
)

// Alerter delivers operator alerts. Implemented by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Options tunes the executor. Zero values select the defaults.
type Options struct {
	CallTimeout   time.Duration // per external call, default 30s
	InFlightTTL   time.Duration // default 10m
	LockTTL       time.Duration // default InFlightTTL
	SweepInterval time.Duration // default 30s
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.InFlightTTL <= 0 {
		o.InFlightTTL = 10 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = o.InFlightTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

type reserveKey struct{ owner, token string }

// job is one submitted saga and everything needed to finish it.
type job struct {
	saga    saga.Saga
	reply   chan reply
	started time.Time
	unlock  func()
	reserve *reserveKey
	amount  uint256.Int
}

type reply struct {
	result saga.Result
	err    error
}

type completion struct {
	job     *job
	outcome saga.Outcome
}

// Executor runs sagas. Submit may be called from any goroutine once Run has
// started.
type Executor struct {
	env     *saga.Env
	settle  domain.SettlementStore
	audit   domain.AuditStore
	bus     domain.SignalBus
	locks   domain.LockManager
	alerts  Alerter
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger

	inflight *InFlight

	resMu    sync.Mutex
	reserved map[reserveKey]*uint256.Int

	submitCh chan *job
	doneCh   chan completion
	quit     chan struct{}
	running  chan struct{}
	runOnce  sync.Once
}

// New creates an Executor over env. settle applies terminal writes. Use the
// With* setters for the optional collaborators before calling Run.
func New(env *saga.Env, settle domain.SettlementStore, opts Options, logger *slog.Logger) *Executor {
	opts = opts.withDefaults()
	e := &Executor{
		env:      env,
		settle:   settle,
		opts:     opts,
		logger:   logger.With(slog.String("component", "executor")),
		inflight: NewInFlight(opts.InFlightTTL),
		reserved: make(map[reserveKey]*uint256.Int),
		submitCh: make(chan *job),
		doneCh:   make(chan completion),
		quit:     make(chan struct{}),
		running:  make(chan struct{}),
	}
	env.Reserved = e.Reserved
	return e
}

// WithAudit records every finished saga in store.
func (e *Executor) WithAudit(store domain.AuditStore) *Executor { e.audit = store; return e }

// WithSignalBus publishes order events on bus.
func (e *Executor) WithSignalBus(bus domain.SignalBus) *Executor { e.bus = bus; return e }

// WithLocks takes a distributed lock per order before running its saga.
func (e *Executor) WithLocks(locks domain.LockManager) *Executor { e.locks = locks; return e }

// WithAlerts notifies operators of failures that need reconciliation.
func (e *Executor) WithAlerts(a Alerter) *Executor { e.alerts = a; return e }

// WithMetrics records saga and call metrics.
func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor { e.metrics = m; return e }

// Reserved returns the amount of token earmarked for owner by running sagas.
func (e *Executor) Reserved(owner, token string) *uint256.Int {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	if v, ok := e.reserved[reserveKey{owner, token}]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (e *Executor) reserve(j *job) {
	r, ok := j.saga.(saga.Reserver)
	if !ok {
		return
	}
	owner, token, amount := r.Reservation()
	key := reserveKey{owner, token}
	e.resMu.Lock()
	defer e.resMu.Unlock()
	cur, ok := e.reserved[key]
	if !ok {
		cur = new(uint256.Int)
		e.reserved[key] = cur
	}
	cur.Add(cur, amount)
	j.reserve = &key
	j.amount.Set(amount)
}

func (e *Executor) unreserve(j *job) {
	if j.reserve == nil {
		return
	}
	e.resMu.Lock()
	defer e.resMu.Unlock()
	cur, ok := e.reserved[*j.reserve]
	if !ok {
		return
	}
	if cur.Lt(&j.amount) {
		cur.Clear()
	} else {
		cur.Sub(cur, &j.amount)
	}
	if cur.IsZero() {
		delete(e.reserved, *j.reserve)
	}
	j.reserve = nil
}

// Submit runs s to completion and returns its result. It refuses a saga for
// an order that already has one running. If ctx ends first Submit returns
// ctx.Err() and the saga keeps running in the background.
func (e *Executor) Submit(ctx context.Context, s saga.Saga) (saga.Result, error) {
	select {
	case <-e.running:
	default:
		return saga.Result{}, fmt.Errorf("executor: %w", domain.ErrUnavailable)
	}

	j := &job{saga: s, reply: make(chan reply, 1), started: time.Now()}
	if id := s.OrderID(); id != 0 {
		if !e.inflight.Acquire(id) {
			return saga.Result{}, fmt.Errorf("executor: order %d: %w", id, domain.ErrSagaInFlight)
		}
		if e.locks != nil {
			unlock, err := e.locks.Acquire(ctx, "order:"+strconv.FormatUint(id, 10), e.opts.LockTTL)
			if err != nil {
				e.inflight.Release(id)
				return saga.Result{}, fmt.Errorf("executor: lock order %d: %w", id, err)
			}
			j.unlock = unlock
		}
	}

	select {
	case e.submitCh <- j:
	case <-e.quit:
		e.abandon(j)
		return saga.Result{}, fmt.Errorf("executor: stopped: %w", domain.ErrUnavailable)
	case <-ctx.Done():
		e.abandon(j)
		return saga.Result{}, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r.result, r.err
	case <-e.quit:
		select {
		case r := <-j.reply:
			return r.result, r.err
		default:
		}
		return saga.Result{}, fmt.Errorf("executor: stopped: %w", domain.ErrUnavailable)
	case <-ctx.Done():
		return saga.Result{}, ctx.Err()
	}
}

// abandon releases what Submit took for a job the loop never saw.
func (e *Executor) abandon(j *job) {
	if id := j.saga.OrderID(); id != 0 {
		e.inflight.Release(id)
	}
	if j.unlock != nil {
		j.unlock()
	}
}

// Run drives sagas until ctx is cancelled. Sagas still waiting on an external
// call when Run returns are abandoned; their orders stay as they were.
func (e *Executor) Run(ctx context.Context) error {
	e.runOnce.Do(func() { close(e.running) })
	e.logger.InfoContext(ctx, "executor started",
		slog.Duration("call_timeout", e.opts.CallTimeout),
		slog.Duration("inflight_ttl", e.opts.InFlightTTL),
	)
	defer e.logger.Info("executor stopped")
	defer close(e.quit)

	sweep := time.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case j := <-e.submitCh:
			e.start(ctx, j)

		case c := <-e.doneCh:
			step, err := c.job.saga.Resume(ctx, e.env, c.outcome)
			e.advance(ctx, c.job, step, err)

		case <-sweep.C:
			if n := e.inflight.Cleanup(); n > 0 {
				e.logger.WarnContext(ctx, "expired in-flight sagas swept", slog.Int("count", n))
			}
		}
	}
}

func (e *Executor) start(ctx context.Context, j *job) {
	kind := string(j.saga.Kind())
	e.metrics.SagaStarted(kind)
	e.logger.DebugContext(ctx, "saga started",
		slog.String("saga_id", j.saga.ID()),
		slog.String("kind", kind),
		slog.Uint64("order_id", j.saga.OrderID()),
		slog.String("caller", j.saga.Caller()),
	)
	step, err := j.saga.Start(ctx, e.env)
	if err == nil {
		e.reserve(j)
	}
	e.advance(ctx, j, step, err)
}

// advance acts on a saga's next step: persist its checkpoint, then dispatch
// the call or apply the settlement.
func (e *Executor) advance(ctx context.Context, j *job, step saga.Step, err error) {
	if err != nil {
		e.finish(ctx, j, saga.Result{}, err)
		return
	}
	if cp := step.Checkpoint; cp != nil {
		if err := e.env.Checkpoints.SaveCheckpoint(ctx, *cp); err != nil {
			e.logger.ErrorContext(ctx, "save checkpoint failed",
				slog.String("saga_id", j.saga.ID()),
				slog.Uint64("order_id", cp.OrderID),
				slog.String("stage", string(cp.Stage)),
				slog.String("error", err.Error()),
			)
		}
	}
	if step.Done {
		if step.Settlement == nil {
			e.finish(ctx, j, step.Result, nil)
			return
		}
		if err := e.settle.Apply(ctx, *step.Settlement); err != nil {
			e.finish(ctx, j, saga.Result{}, &domain.SagaError{
				Kind:      j.saga.Kind(),
				Step:      saga.StepSettle,
				OrderID:   step.Settlement.Order.ID,
				Reconcile: true,
				Err:       err,
			})
			return
		}
		e.finish(ctx, j, step.Result, nil)
		return
	}
	if step.Call == nil {
		e.finish(ctx, j, saga.Result{}, fmt.Errorf("executor: %s saga %s returned no call", j.saga.Kind(), j.saga.ID()))
		return
	}
	e.dispatch(ctx, j, step.Call)
}

// dispatch runs call on its own goroutine under the per-call timeout. A call
// that times out is reported as a failed external call.
func (e *Executor) dispatch(ctx context.Context, j *job, call *saga.Call) {
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()

		began := time.Now()
		v, err := call.Run(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrExternalCall) {
			err = fmt.Errorf("%w: %s timed out after %s: %v", domain.ErrExternalCall, call.Name, e.opts.CallTimeout, err)
		}
		e.metrics.ExternalCall(call.Name, err, time.Since(began))

		select {
		case e.doneCh <- completion{job: j, outcome: saga.Outcome{Value: v, Err: err}}:
		case <-e.quit:
		}
	}()
}

func (e *Executor) finish(ctx context.Context, j *job, res saga.Result, err error) {
	s := j.saga
	e.unreserve(j)
	if id := s.OrderID(); id != 0 {
		e.inflight.Release(id)
	}
	if j.unlock != nil {
		j.unlock()
	}

	kind := string(s.Kind())
	log := e.logger.With(
		slog.String("saga_id", s.ID()),
		slog.String("kind", kind),
		slog.String("caller", s.Caller()),
	)

	var se *domain.SagaError
	switch {
	case err == nil:
		e.metrics.SagaFinished(kind, "ok", time.Since(j.started))
		log.InfoContext(ctx, "saga completed",
			slog.Uint64("order_id", res.Order.ID),
			slog.String("status", string(res.Order.Status)),
			slog.Int("calls", res.Calls),
		)
		e.record(ctx, j, completedEvent(s.Kind()), res.Order, "", nil)

	case errors.As(err, &se) && se.Reconcile:
		e.metrics.SagaFinished(kind, "failed", time.Since(j.started))
		e.metrics.Reconcile(kind, se.Step)
		log.ErrorContext(ctx, "saga failed with unreconciled side effect",
			slog.Uint64("order_id", se.OrderID),
			slog.String("step", se.Step),
			slog.String("error", se.Err.Error()),
			slog.Bool("reconcile", true),
		)
		e.record(ctx, j, domain.EventReconcile, domain.Order{ID: se.OrderID}, se.Step, err)
		if e.alerts != nil {
			msg := fmt.Sprintf("%s saga %s for order %d failed at %s after an external side effect: %v",
				kind, s.ID(), se.OrderID, se.Step, se.Err)
			if aerr := e.alerts.Notify(ctx, domain.EventReconcile, "Reconciliation required", msg); aerr != nil {
				log.WarnContext(ctx, "reconcile alert failed", slog.String("error", aerr.Error()))
			}
		}

	case domain.IsPrecondition(err):
		e.metrics.SagaFinished(kind, "rejected", time.Since(j.started))
		log.InfoContext(ctx, "saga rejected",
			slog.Uint64("order_id", s.OrderID()),
			slog.String("error", err.Error()),
		)

	default:
		e.metrics.SagaFinished(kind, "failed", time.Since(j.started))
		step := ""
		if se != nil {
			step = se.Step
		}
		log.WarnContext(ctx, "saga failed",
			slog.Uint64("order_id", s.OrderID()),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		e.record(ctx, j, domain.EventSagaFailed, domain.Order{ID: s.OrderID()}, step, err)
	}

	j.reply <- reply{result: res, err: err}
}

func completedEvent(kind domain.SagaKind) string {
	switch kind {
	case domain.SagaCreate:
		return domain.EventOrderCreated
	case domain.SagaCancel:
		return domain.EventOrderCanceled
	case domain.SagaExecute:
		return domain.EventOrderExecuted
	default:
		return domain.EventOrderLiquidated
	}
}

// record writes the audit entry and publishes the order event. Both are best
// effort; the saga's outcome is already final.
func (e *Executor) record(ctx context.Context, j *job, event string, order domain.Order, step string, err error) {
	ev := domain.OrderEvent{
		Type:   event,
		SagaID: j.saga.ID(),
		Caller: j.saga.Caller(),
		Order:  order.Record(),
		Step:   step,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	if e.audit != nil {
		detail := map[string]any{
			"saga_id":  ev.SagaID,
			"kind":     string(j.saga.Kind()),
			"caller":   ev.Caller,
			"order_id": order.ID,
		}
		if order.Status != "" {
			detail["status"] = string(order.Status)
		}
		if step != "" {
			detail["step"] = step
		}
		if ev.Error != "" {
			detail["error"] = ev.Error
		}
		if aerr := e.audit.Log(ctx, event, detail); aerr != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", aerr.Error()))
		}
	}

	if e.bus == nil {
		return
	}
	payload, merr := json.Marshal(ev)
	if merr != nil {
		e.logger.WarnContext(ctx, "marshal order event failed", slog.String("error", merr.Error()))
		return
	}
	if perr := e.bus.Publish(ctx, domain.ChannelOrders, payload); perr != nil {
		e.logger.WarnContext(ctx, "publish order event failed", slog.String("error", perr.Error()))
	}
	if serr := e.bus.StreamAppend(ctx, domain.StreamOrders, payload); serr != nil {
		e.logger.WarnContext(ctx, "append order event failed", slog.String("error", serr.Error()))
	}
}
