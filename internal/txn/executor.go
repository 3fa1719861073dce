package txn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/util"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// BuildRequest is what a Builder turns into an unsigned transaction
type BuildRequest[P any] struct {
	EventType string
	Params    []P
}

// Builder constructs an unsigned transaction payload
type Builder[P, T any] interface {
	Build(ctx context.Context, req BuildRequest[P]) (T, error)
}

// Signer signs payloads. Ready reports whether a signing capability is
// currently available; Sign may block on user approval and returns an
// error wrapping ErrRejected when the user declines.
type Signer[T any] interface {
	Ready() bool
	Sign(ctx context.Context, tx T) (T, error)
}

// Broadcaster submits a signed payload to the network
type Broadcaster[T any] interface {
	Broadcast(ctx context.Context, tx T) (types.Receipt, error)
}

// FeeEstimator predicts the cost of submitting params. Best effort.
type FeeEstimator[P any] interface {
	Estimate(ctx context.Context, req BuildRequest[P]) (types.FeeInfo, error)
}

// Gate is the cross-executor in-flight token. Acquire must fail while
// another tag holds the token.
type Gate interface {
	Allows(tag types.Variant) bool
	Acquire(tag types.Variant) bool
	Release(tag types.Variant)
}

// Recorder receives attempt metrics
type Recorder interface {
	AttemptStarted(v types.Variant)
	AttemptFinished(v types.Variant, outcome Phase, d time.Duration)
	FeeEstimateFailed(v types.Variant)
}

// Config wires an executor to its collaborators
type Config[P, T any] struct {
	Variant      types.Variant
	EventType    string
	Builder      Builder[P, T]
	Signer       Signer[T]
	Broadcaster  Broadcaster[T]
	FeeEstimator FeeEstimator[P]

	Notification PendingText

	// OnBroadcasted is invoked exactly once per successful attempt, before
	// the gate is released and before the success notification
	OnBroadcasted func(types.Receipt)

	Gate     Gate
	Notifier Notifier
	Recorder Recorder
	Observer func(Transition)

	// FeeTimeout bounds a single fee estimate. Zero means 15s.
	FeeTimeout time.Duration
}

// FeeState is the fee side query. It never touches the executor error.
type FeeState struct {
	Loading bool           `json:"loading"`
	Fee     *types.FeeInfo `json:"fee,omitempty"`
	Error   *ErrorInfo     `json:"error,omitempty"`
}

// State is a snapshot of an executor
type State struct {
	Variant     types.Variant  `json:"variant"`
	Phase       Phase          `json:"phase"`
	Enabled     bool           `json:"enabled"`
	Pending     bool           `json:"pending"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	Fee         FeeState       `json:"fee"`
	LastOutcome Phase          `json:"last_outcome"`
	LastReceipt *types.Receipt `json:"last_receipt,omitempty"`
	Attempts    int            `json:"attempts"`
	Params      int            `json:"params"`
}

var settled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Executor drives one transaction variant through build, sign and broadcast.
// At most one attempt runs at a time; a failed attempt may be retried by
// calling Execute again.
type Executor[P comparable, T any] struct {
	cfg Config[P, T]

	mu          sync.Mutex
	params      []P
	paramsGen   uint64
	phase       Phase
	pending     bool
	err         *ErrorInfo
	fee         FeeState
	lastOutcome Phase
	lastReceipt *types.Receipt
	attempts    int
	done        chan struct{}
	closed      bool

	feeCtx    context.Context
	feeCancel context.CancelFunc
	stopFees  context.CancelFunc

	wg   sync.WaitGroup
	live atomic.Int32
}

// New validates cfg and returns an idle executor
func New[P comparable, T any](cfg Config[P, T]) (*Executor[P, T], error) {
	if !cfg.Variant.IsValid() {
		return nil, fmt.Errorf("invalid variant %q", cfg.Variant)
	}
	if cfg.Builder == nil || cfg.Signer == nil || cfg.Broadcaster == nil {
		return nil, errors.New("builder, signer and broadcaster are required")
	}
	if cfg.EventType == "" {
		cfg.EventType = cfg.Variant.EventType()
	}
	if cfg.FeeTimeout <= 0 {
		cfg.FeeTimeout = 15 * time.Second
	}

	feeCtx, stop := context.WithCancel(context.Background())
	return &Executor[P, T]{
		cfg:      cfg,
		done:     settled,
		feeCtx:   feeCtx,
		stopFees: stop,
	}, nil
}

// Variant returns the executor's tag
func (e *Executor[P, T]) Variant() types.Variant {
	return e.cfg.Variant
}

// SetParams replaces the parameter set. Changing params restarts fee
// estimation; identical params are a no-op.
func (e *Executor[P, T]) SetParams(params []P) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if slices.Equal(e.params, params) && e.paramsGen > 0 {
		return
	}

	e.params = slices.Clone(params)
	e.paramsGen++
	if e.feeCancel != nil {
		e.feeCancel()
		e.feeCancel = nil
	}

	if e.cfg.FeeEstimator == nil || len(e.params) == 0 {
		e.fee = FeeState{}
		return
	}

	e.fee = FeeState{Loading: true}
	gen := e.paramsGen
	req := BuildRequest[P]{EventType: e.cfg.EventType, Params: slices.Clone(e.params)}
	ctx, cancel := context.WithTimeout(e.feeCtx, e.cfg.FeeTimeout)
	e.feeCancel = cancel

	e.track()
	util.SafeGoWithName("fee-estimate-"+e.cfg.Variant.String(), func() {
		defer e.untrack()
		defer cancel()
		e.estimate(ctx, gen, req)
	})
}

func (e *Executor[P, T]) estimate(ctx context.Context, gen uint64, req BuildRequest[P]) {
	fee, err := guard(func() (types.FeeInfo, error) {
		return e.cfg.FeeEstimator.Estimate(ctx, req)
	})

	e.mu.Lock()
	if gen != e.paramsGen {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.fee = FeeState{Error: newErrorInfo(KindFeeEstimation, err)}
	} else {
		e.fee = FeeState{Fee: &fee}
	}
	e.mu.Unlock()

	if err != nil {
		if e.cfg.Recorder != nil {
			e.safely("recorder", func() { e.cfg.Recorder.FeeEstimateFailed(e.cfg.Variant) })
		}
		logging.Debug("fee estimate failed",
			logging.Variant(e.cfg.Variant),
			logging.Err(err))
	}
}

// Enabled reports whether Execute would start an attempt
func (e *Executor[P, T]) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabledLocked()
}

func (e *Executor[P, T]) enabledLocked() bool {
	if e.closed || e.pending || len(e.params) == 0 {
		return false
	}
	if !e.cfg.Signer.Ready() {
		return false
	}
	return e.cfg.Gate == nil || e.cfg.Gate.Allows(e.cfg.Variant)
}

// State returns a snapshot of the executor
func (e *Executor[P, T]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Variant:     e.cfg.Variant,
		Phase:       e.phase,
		Enabled:     e.enabledLocked(),
		Pending:     e.pending,
		Error:       e.err,
		Fee:         e.fee,
		LastOutcome: e.lastOutcome,
		Attempts:    e.attempts,
		Params:      len(e.params),
	}
	if e.lastReceipt != nil {
		r := *e.lastReceipt
		s.LastReceipt = &r
	}
	return s
}

// Execute starts an attempt and returns immediately. It returns false,
// changing nothing, when the executor is disabled. The attempt outlives
// cancellation of ctx; only the signer or broadcaster can abort it.
func (e *Executor[P, T]) Execute(ctx context.Context) bool {
	e.mu.Lock()
	if !e.enabledLocked() {
		e.mu.Unlock()
		return false
	}
	if e.cfg.Gate != nil && !e.cfg.Gate.Acquire(e.cfg.Variant) {
		e.mu.Unlock()
		return false
	}

	e.pending = true
	e.err = nil
	e.attempts++
	attempt := e.attempts
	req := BuildRequest[P]{EventType: e.cfg.EventType, Params: slices.Clone(e.params)}
	done := make(chan struct{})
	e.done = done
	e.track()
	e.mu.Unlock()

	if e.cfg.Recorder != nil {
		e.safely("recorder", func() { e.cfg.Recorder.AttemptStarted(e.cfg.Variant) })
	}
	e.notify(Notification{
		Kind:        NotifyPending,
		Title:       e.cfg.Notification.Title,
		Description: e.cfg.Notification.Description,
	})

	runCtx := context.WithoutCancel(ctx)
	util.SafeGoWithName("txn-"+e.cfg.Variant.String(), func() {
		defer e.untrack()
		e.run(runCtx, attempt, req, done)
	})
	return true
}

// track registers a goroutine with Wait and Idle. Called under e.mu.
func (e *Executor[P, T]) track() {
	e.wg.Add(1)
	e.live.Add(1)
}

func (e *Executor[P, T]) untrack() {
	e.live.Add(-1)
	e.wg.Done()
}

func (e *Executor[P, T]) run(ctx context.Context, attempt int, req BuildRequest[P], done chan struct{}) {
	started := time.Now()

	e.transition(PhaseBuilding, attempt)
	tx, err := guard(func() (T, error) { return e.cfg.Builder.Build(ctx, req) })
	if err != nil {
		e.fail(attempt, started, newErrorInfo(KindBuild, err), done)
		return
	}

	e.transition(PhaseAwaitingSignature, attempt)
	signed, err := guard(func() (T, error) { return e.cfg.Signer.Sign(ctx, tx) })
	if err != nil {
		e.fail(attempt, started, newErrorInfo(KindSigning, err), done)
		return
	}

	e.transition(PhaseBroadcasting, attempt)
	receipt, err := guard(func() (types.Receipt, error) { return e.cfg.Broadcaster.Broadcast(ctx, signed) })
	if err != nil {
		e.fail(attempt, started, newErrorInfo(KindBroadcast, err), done)
		return
	}

	e.succeed(attempt, started, receipt, done)
}

func (e *Executor[P, T]) transition(to Phase, attempt int) {
	e.mu.Lock()
	from := e.phase
	e.phase = to
	e.mu.Unlock()
	e.observe(from, to, attempt)
}

func (e *Executor[P, T]) observe(from, to Phase, attempt int) {
	if e.cfg.Observer == nil {
		return
	}
	e.safely("observer", func() {
		e.cfg.Observer(Transition{
			Variant: e.cfg.Variant,
			From:    from,
			To:      to,
			Attempt: attempt,
			At:      time.Now(),
		})
	})
}

// safely runs a collaborator callback. A panic is logged so the attempt can
// still release the gate and close done.
func (e *Executor[P, T]) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(name+" panicked",
				logging.Variant(e.cfg.Variant),
				"panic", r)
		}
	}()
	fn()
}

// record stores the terminal outcome. The attempt stays pending and keeps
// the gate until release.
func (e *Executor[P, T]) record(attempt int, outcome Phase, receipt *types.Receipt, info *ErrorInfo) {
	e.mu.Lock()
	from := e.phase
	e.phase = outcome
	e.err = info
	e.lastOutcome = outcome
	if receipt != nil {
		e.lastReceipt = receipt
	}
	e.mu.Unlock()

	e.observe(from, outcome, attempt)
}

// release returns to idle and only then frees the gate, so no new attempt
// can interleave with the transitions.
func (e *Executor[P, T]) release(attempt int) {
	e.mu.Lock()
	from := e.phase
	e.phase = PhaseIdle
	e.pending = false
	e.mu.Unlock()

	e.observe(from, PhaseIdle, attempt)
	if e.cfg.Gate != nil {
		e.cfg.Gate.Release(e.cfg.Variant)
	}
}

func (e *Executor[P, T]) finished(outcome Phase, started time.Time) {
	if e.cfg.Recorder != nil {
		e.safely("recorder", func() {
			e.cfg.Recorder.AttemptFinished(e.cfg.Variant, outcome, time.Since(started))
		})
	}
}

func (e *Executor[P, T]) fail(attempt int, started time.Time, info *ErrorInfo, done chan struct{}) {
	e.record(attempt, PhaseFailed, nil, info)
	e.release(attempt)

	if info.Rejected() {
		logging.Info("transaction rejected",
			logging.Variant(e.cfg.Variant),
			"attempt", attempt)
	} else {
		logging.Warn("transaction failed",
			logging.Variant(e.cfg.Variant),
			"kind", string(info.Kind),
			"attempt", attempt,
			logging.Err(info.Cause))
	}
	e.finished(PhaseFailed, started)
	e.notify(Notification{
		Kind:  NotifyError,
		Title: fmt.Sprintf("%s failed", e.cfg.Variant.Label()),
		Error: info.Error(),
	})
	close(done)
}

// succeed runs OnBroadcasted while the attempt still holds the gate, so an
// owner that tears down on broadcast does so before any other attempt can
// start.
func (e *Executor[P, T]) succeed(attempt int, started time.Time, receipt types.Receipt, done chan struct{}) {
	e.record(attempt, PhaseConfirmed, &receipt, nil)

	logging.Info("transaction broadcast",
		logging.Variant(e.cfg.Variant),
		logging.TxHash(receipt.TxHash),
		"attempt", attempt)
	e.finished(PhaseConfirmed, started)
	if e.cfg.OnBroadcasted != nil {
		e.safely("on-broadcasted callback", func() { e.cfg.OnBroadcasted(receipt) })
	}

	e.release(attempt)
	e.notify(Notification{
		Kind:   NotifySuccess,
		Title:  fmt.Sprintf("%s submitted", e.cfg.Variant.Label()),
		TxHash: receipt.TxHash,
	})
	close(done)
}

func (e *Executor[P, T]) notify(n Notification) {
	if e.cfg.Notifier == nil {
		return
	}
	n.EventType = e.cfg.EventType
	n.Variant = e.cfg.Variant
	n.At = time.Now()
	e.safely("notifier", func() { e.cfg.Notifier.Notify(n) })
}

// Done returns a channel closed when the current attempt settles.
// It is already closed when no attempt is running.
func (e *Executor[P, T]) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Close stops accepting attempts and cancels fee estimation. An attempt
// already in flight runs to completion; use Wait to block on it.
func (e *Executor[P, T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.feeCancel = nil
	e.mu.Unlock()
	e.stopFees()
}

// Closed reports whether Close has been called
func (e *Executor[P, T]) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Idle reports whether no attempt is pending and every goroutine started by
// the executor has returned
func (e *Executor[P, T]) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.pending && e.live.Load() == 0
}

// Wait blocks until every goroutine started by the executor has returned
// or ctx is done.
func (e *Executor[P, T]) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
