package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/luca-patrignani/code-votation/collection"
	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/ledger"
	"github.com/luca-patrignani/code-votation/tasks"
	"github.com/luca-patrignani/code-votation/verifier"
)

// ErrNotImplemented is returned when a votation is opened on a lifecycle
// without a transport.
var ErrNotImplemented = errors.New("open votation: not implemented")

// CommitFailedMessage is reported when a validation could not be stored.
const CommitFailedMessage = "No se pudo registrar la validación."

const closedCacheSize = 4096

// Transport broadcasts a votation and obtains its verdict.
type Transport interface {
	OpenVotation(ctx context.Context, v Votation) error
}

// Ledger records committed validations.
type Ledger interface {
	Append(v ledger.Validation, extra ...map[string]string) error
}

// Listener receives every votation closed by a controller together with the
// type of the controller collection.
type Listener func(v Votation, typ code.Type)

// ControllerConfig holds what every controller needs.
type ControllerConfig struct {
	// NodeID is used as the proposer of locally scanned codes.
	NodeID string

	// Collection is the collection votations are committed to. It is nil
	// for the search controller.
	Collection *collection.Collection

	// Queue serializes the emit and close tasks. Controllers sharing a
	// collection should share the queue. A nil Queue gets a private one.
	Queue *tasks.Queue

	Listener Listener
	Ledger   Ledger
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Lifecycle holds the open and close logic shared by every controller.
type Lifecycle struct {
	name       string
	nodeID     string
	collection *collection.Collection
	transport  Transport
	queue      *tasks.Queue
	closed     *lru.Cache[string, struct{}]
	listener   Listener
	ledger     Ledger
	metrics    *Metrics
	logger     *slog.Logger
}

// NewLifecycle returns a lifecycle with no transport: scanning a code on it
// fails with ErrNotImplemented.
func NewLifecycle(cfg ControllerConfig) (*Lifecycle, error) {
	return newLifecycle("none", cfg, nil)
}

func newLifecycle(name string, cfg ControllerConfig, transport Transport) (*Lifecycle, error) {
	closed, err := lru.New[string, struct{}](closedCacheSize)
	if err != nil {
		return nil, err
	}
	if cfg.Queue == nil {
		cfg.Queue = tasks.NewQueue()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	logger := loggerOrDefault(cfg.Logger).With("transport", name)
	if cfg.Collection != nil {
		logger = logger.With("collection", cfg.Collection.Type().Key())
	}
	return &Lifecycle{
		name:       name,
		nodeID:     cfg.NodeID,
		collection: cfg.Collection,
		transport:  transport,
		queue:      cfg.Queue,
		closed:     closed,
		listener:   cfg.Listener,
		ledger:     cfg.Ledger,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// NodeID returns the identity used as proposer.
func (l *Lifecycle) NodeID() string { return l.nodeID }

// Collection returns the collection votations are committed to.
func (l *Lifecycle) Collection() *collection.Collection { return l.collection }

// Start resumes the task queue.
func (l *Lifecycle) Start() { l.queue.Start() }

// Stop halts the task queue. The running task completes.
func (l *Lifecycle) Stop() { l.queue.Stop() }

// CodeScanned opens a votation on raw proposed by this node.
func (l *Lifecycle) CodeScanned(ctx context.Context, raw, scanMode string, offline, codeSearch bool) error {
	if l.transport == nil {
		return ErrNotImplemented
	}
	return l.transport.OpenVotation(ctx, NewVotation(l.nodeID, raw, scanMode, offline, codeSearch))
}

// VotationOpened schedules the emission of this node's verdict on v.
func (l *Lifecycle) VotationOpened(v Votation) {
	l.logger.Debug("votation opened", "votation", v.ID, "code", v.Code, "node", v.OpenedBy)
	l.queue.Add(emitVerdictTask{lifecycle: l, votation: v})
}

// VotationClosed schedules the commit of v. Votations without consensus
// finish right away. A votation id is handled at most once.
func (l *Lifecycle) VotationClosed(v Votation) {
	if found, _ := l.closed.ContainsOrAdd(v.ID, struct{}{}); found {
		l.logger.Debug("votation already closed", "votation", v.ID)
		return
	}
	if l.collection == nil || !v.Consensus.Exists() {
		l.VotationCloseFinished(v)
		return
	}
	l.queue.Add(closeVotationTask{lifecycle: l, votation: v})
}

// VotationCloseFinished hands v to the listener.
func (l *Lifecycle) VotationCloseFinished(v Votation) {
	l.metrics.closed.WithLabelValues(l.name, verificationLabel(v)).Inc()
	if v.OpenedBy == l.nodeID {
		l.metrics.elapsed.WithLabelValues(l.name).Observe(v.Elapsed().Seconds())
	}
	transportTime := time.Duration(0)
	if !v.ClosedAt.IsZero() {
		transportTime = time.Since(v.ClosedAt)
	}
	l.logger.Info("votation end",
		"votation", v.ID,
		"code", v.Code,
		"verdict", verificationLabel(v),
		"elapsed", v.Elapsed(),
		"transport_time", transportTime,
	)
	if l.listener != nil {
		var typ code.Type
		if l.collection != nil {
			typ = l.collection.Type()
		}
		l.listener(v, typ)
	}
}

// emitVerdictTask resolves a votation on the local snapshot of its code.
type emitVerdictTask struct {
	lifecycle *Lifecycle
	votation  Votation
}

func (t emitVerdictTask) Run(ctx context.Context) {
	l, v := t.lifecycle, t.votation
	snapshot := code.Absent(v.Code)
	if l.collection != nil {
		var err error
		if snapshot, err = l.collection.Get(ctx, v.Code); err != nil {
			l.logger.Error("cannot read code", "votation", v.ID, "code", v.Code, "error", err)
			return
		}
	}
	if v.Solver == nil {
		l.logger.Error("votation without solver", "votation", v.ID)
		return
	}
	if err := v.Solver.Solve(ctx, v, snapshot); err != nil {
		l.logger.Error("cannot emit verdict", "votation", v.ID, "error", err)
	}
}

// closeVotationTask commits a closed votation to the collection.
//
// The code is read and verified again when the task runs, so that of two
// votations on the same code only the first to close commits. Votations
// replayed after working offline are committed on the verification of this
// node alone: the proposer already counted them.
type closeVotationTask struct {
	lifecycle *Lifecycle
	votation  Votation
}

func (t closeVotationTask) Run(ctx context.Context) {
	l, v := t.lifecycle, t.votation
	defer func() { l.VotationCloseFinished(v) }()

	current, err := l.collection.Get(ctx, v.Code)
	if err != nil {
		l.logger.Error("cannot read code", "votation", v.ID, "code", v.Code, "error", err)
		v.Verification, v.Message = verifier.NotValid, CommitFailedMessage
		return
	}
	check := current
	if !check.Exists() {
		check = v.Consensus
	}
	verdict, err := verdictFor(check, v.ScanMode, l.collection.Verifier(), l.logger)
	if err != nil {
		l.logger.Error("cannot verify code", "votation", v.ID, "code", v.Code, "error", err)
		v.Verification, v.Message = verifier.NotValid, CommitFailedMessage
		return
	}

	if verdict.Verification != verifier.Valid || !(v.Offline || v.Valid()) {
		if v.Valid() {
			l.logger.Info("verdict no longer holds", "votation", v.ID, "code", v.Code)
			v.Verification, v.Message = verifier.NotValid, verdict.Message
		}
		v.Consensus = check
		return
	}

	updated, err := l.collection.ApplyValidation(ctx, check)
	if err != nil {
		l.logger.Error("cannot commit validation", "votation", v.ID, "code", v.Code, "error", err)
		v.Verification, v.Message = verifier.NotValid, CommitFailedMessage
		return
	}
	v.Consensus = updated
	v.Verification, v.Message = verifier.Valid, verdict.Message
	if err := l.record(v); err != nil {
		l.logger.Error("cannot record validation", "votation", v.ID, "error", err)
	}
}

func (l *Lifecycle) record(v Votation) error {
	if l.ledger == nil {
		return nil
	}
	err := l.ledger.Append(ledger.Validation{
		VotationID:  v.ID,
		Code:        v.Consensus.Code,
		Name:        v.Consensus.Name,
		Type:        l.collection.Type().Key(),
		Validations: v.Consensus.Validations,
		ScanMode:    v.ScanMode,
		OpenedBy:    v.OpenedBy,
		Offline:     v.Offline,
		OpenedAt:    v.OpenedAt,
		ClosedAt:    v.ClosedAt,
	}, map[string]string{"transport": l.name})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}
