package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luca-patrignani/code-votation/collection"
	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/network"
	"github.com/luca-patrignani/code-votation/tasks"
	"github.com/luca-patrignani/code-votation/verifier"
)

// Messages of the results that are not verdicts of a collection.
const (
	NotFoundMessage     = "El código no existe."
	UnauthorizedMessage = "Este escáner no está autorizado a leer: "
)

const reportedCacheSize = 4096

var (
	// ErrNotInitialized is returned when scanning before Initialize.
	ErrNotInitialized = errors.New("robust controller not initialized")

	// ErrStopped is returned when using a stopped controller.
	ErrStopped = errors.New("robust controller stopped")
)

// Dialer joins the channel called name as nodeID.
type Dialer func(name, nodeID string, opts network.Options) (network.Channel, error)

// HubDialer joins channels of an in-process hub.
func HubDialer(hub *network.Hub) Dialer {
	return func(name, nodeID string, opts network.Options) (network.Channel, error) {
		return hub.Join(name, nodeID, opts), nil
	}
}

// WebSocketDialer joins channels of the relay at relayURL.
func WebSocketDialer(relayURL string) Dialer {
	return func(name, nodeID string, opts network.Options) (network.Channel, error) {
		return network.DialWebSocket(relayURL, name, nodeID, opts)
	}
}

// CollectionFactory builds the collection of typ in session. The factory must
// apply opts.
type CollectionFactory func(session code.Session, typ code.Type, opts ...collection.Option) (*collection.Collection, error)

// Config configures a RobustController.
type Config struct {
	Identity      *Identity
	Dial          Dialer
	NewCollection CollectionFactory

	// AutoReconnect is handed to every channel.
	AutoReconnect bool

	VerdictGrace  time.Duration
	SearchTimeout time.Duration

	// Ledger, when set, records every validation committed on this node.
	Ledger Ledger

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// ScanResult is what the user sees of a resolved scan.
type ScanResult struct {
	VotationID   string                `json:"votation_id"`
	Verification verifier.Verification `json:"verification,omitempty"`
	Code         string                `json:"code"`
	Name         string                `json:"name"`
	Type         string                `json:"type"`
	Message      string                `json:"message"`
}

type offlineScan struct {
	code string
	mode string
}

type entry struct {
	collection *collection.Collection
	queue      *tasks.Queue
	socket     *SocketController
	local      *LocalController
}

// RobustController routes scans to the socket controllers while online and
// to the local ones while offline, and replays offline scans once the
// connection is back.
//
// Observers run on the goroutines delivering events and executing tasks:
// they must not block.
type RobustController struct {
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	entries []*entry
	search  *SearchController

	mu           sync.Mutex
	initialized  bool
	stopped      bool
	online       bool
	replaying    bool
	connected    []bool
	offlineScans deque.Deque
	reported     *lru.Cache[string, struct{}]
	codeCount    int
	validated    int

	onScanResult        func(ScanResult)
	onConnectionChanged func(online bool)
	onCodeAdded         func(count int)
}

// NewRobustController returns a controller to be initialized.
func NewRobustController(cfg Config) (*RobustController, error) {
	if cfg.Identity == nil {
		return nil, errors.New("robust controller: missing identity")
	}
	if cfg.Dial == nil {
		return nil, errors.New("robust controller: missing dialer")
	}
	if cfg.NewCollection == nil {
		return nil, errors.New("robust controller: missing collection factory")
	}
	reported, err := lru.New[string, struct{}](reportedCacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RobustController{
		cfg:      cfg,
		metrics:  NewMetrics(cfg.Registerer),
		logger:   loggerOrDefault(cfg.Logger),
		ctx:      ctx,
		cancel:   cancel,
		reported: reported,
	}, nil
}

// OnScanResult registers the observer of resolved scans. It is called at
// most once per votation.
func (r *RobustController) OnScanResult(f func(ScanResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onScanResult = f
}

// OnConnectionChanged registers the observer of connectivity changes.
func (r *RobustController) OnConnectionChanged(f func(online bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnectionChanged = f
}

// OnCodeAdded registers the observer of the code count, called whenever a
// collection learns a new code.
func (r *RobustController) OnCodeAdded(f func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCodeAdded = f
}

// Initialize syncs one collection per type and joins its channel, then joins
// the search channel of the session. It must complete before scanning.
func (r *RobustController) Initialize(ctx context.Context, session code.Session, types []code.Type) error {
	if len(types) == 0 {
		return errors.New("initialize: no collection type")
	}
	r.mu.Lock()
	if r.initialized || r.stopped {
		r.mu.Unlock()
		return errors.New("initialize: controller already used")
	}
	r.connected = make([]bool, len(types)+1)
	r.mu.Unlock()

	nodeID := r.cfg.Identity.NodeID()
	totalCodes, totalValidated := 0, 0
	var collections []*collection.Collection
	for i, typ := range types {
		coll, err := r.cfg.NewCollection(session, typ,
			collection.OnCodeAdded(r.codeAdded),
			collection.WithLogger(r.logger),
		)
		if err != nil {
			return r.abort(fmt.Errorf("initialize %s: %w", typ.Key(), err))
		}
		if err := coll.SyncCollection(ctx); err != nil {
			return r.abort(fmt.Errorf("initialize %s: %w", typ.Key(), err))
		}
		count, err := coll.GetCodeCount(ctx)
		if err != nil {
			return r.abort(fmt.Errorf("initialize %s: %w", typ.Key(), err))
		}
		totalCodes += count
		totalValidated += coll.Validated()

		ch, err := r.cfg.Dial(network.ChannelName(session.ID, session.Name, typ.ID, typ.Name), nodeID, r.channelOptions(i))
		if err != nil {
			return r.abort(fmt.Errorf("initialize %s: %w", typ.Key(), err))
		}
		queue := tasks.NewQueue()
		base := ControllerConfig{
			NodeID:     nodeID,
			Collection: coll,
			Queue:      queue,
			Listener:   r.votationEnded,
			Ledger:     r.cfg.Ledger,
			Metrics:    r.metrics,
			Logger:     r.logger,
		}
		socket, err := NewSocketController(base, ch, r.cfg.Identity, r.cfg.VerdictGrace)
		if err != nil {
			_ = ch.Disconnect()
			return r.abort(err)
		}
		localCfg := base
		localCfg.Listener = r.localVotationEnded
		local, err := NewLocalController(localCfg)
		if err != nil {
			_ = ch.Disconnect()
			return r.abort(err)
		}
		queue.Start()
		r.entries = append(r.entries, &entry{collection: coll, queue: queue, socket: socket, local: local})
		collections = append(collections, coll)
	}

	ch, err := r.cfg.Dial(network.SearchChannelName(session.ID, session.Name), nodeID, r.channelOptions(len(types)))
	if err != nil {
		return r.abort(fmt.Errorf("initialize search: %w", err))
	}
	search, err := NewSearchController(ControllerConfig{
		Listener: r.votationEnded,
		Metrics:  r.metrics,
		Logger:   r.logger,
	}, ch, r.cfg.Identity, collections, r.cfg.SearchTimeout)
	if err != nil {
		_ = ch.Disconnect()
		return r.abort(err)
	}
	r.search = search
	search.Start()

	r.mu.Lock()
	r.codeCount = totalCodes
	r.validated = totalValidated
	r.initialized = true
	r.mu.Unlock()
	r.logger.Info("controller initialized", "session", session.ID, "collections", len(types),
		"codes", totalCodes, "validated", totalValidated, "node", nodeID)
	return nil
}

func (r *RobustController) abort(err error) error {
	if stopErr := r.Stop(); stopErr != nil {
		return errors.Join(err, stopErr)
	}
	return err
}

func (r *RobustController) channelOptions(i int) network.Options {
	return network.Options{
		OnConnected:    func() { r.channelStatus(i, true) },
		OnDisconnected: func() { r.channelStatus(i, false) },
		AutoReconnect:  r.cfg.AutoReconnect,
		Logger:         r.logger,
	}
}

// channelStatus records the state of channel i. The controller is online
// while every channel is up.
func (r *RobustController) channelStatus(i int, up bool) {
	r.mu.Lock()
	r.connected[i] = up
	online := true
	for _, c := range r.connected {
		online = online && c
	}
	changed := online != r.online
	r.online = online
	listener := r.onConnectionChanged
	replay := changed && online && r.initialized && !r.stopped && !r.replaying && r.offlineScans.Len() > 0
	if replay {
		r.replaying = true
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	if online {
		r.logger.Info("connection okay")
	} else {
		r.logger.Warn("lost connection")
	}
	if listener != nil {
		listener(online)
	}
	if replay {
		go r.replayOfflineScans()
	}
}

// Online reports whether scans are routed to the socket controllers.
func (r *RobustController) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// CodeScanned routes a scan. Failures of the collection lookups are
// returned; connectivity failures turn the scan into an offline one.
func (r *RobustController) CodeScanned(ctx context.Context, raw, mode string) error {
	r.mu.Lock()
	initialized, stopped, online := r.initialized, r.stopped, r.online
	r.mu.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case !initialized:
		return ErrNotInitialized
	}

	if online {
		err := r.openSocketVotation(ctx, raw, mode, false)
		if !errors.Is(err, network.ErrDisconnected) {
			return err
		}
		r.logger.Warn("channel down, scanning offline", "code", raw, "error", err)
	}
	return r.openLocalVotation(ctx, raw, mode)
}

func (r *RobustController) openSocketVotation(ctx context.Context, raw, mode string, offline bool) error {
	for _, e := range r.entries {
		ok, err := e.collection.CodeExists(ctx, raw)
		if err != nil {
			return fmt.Errorf("scan %q: %w", raw, err)
		}
		if ok {
			r.logger.Debug("vote in", "channel", e.socket.events.ch.Name(), "code", raw)
			r.metrics.routed.WithLabelValues("socket").Inc()
			return e.socket.CodeScanned(ctx, raw, mode, offline, false)
		}
	}
	r.logger.Debug("code not found, searching", "code", raw)
	r.metrics.routed.WithLabelValues("search").Inc()
	return r.search.CodeScanned(ctx, raw, mode, offline, true)
}

func (r *RobustController) openLocalVotation(ctx context.Context, raw, mode string) error {
	target := r.entries[0].local
	for _, e := range r.entries {
		ok, err := e.collection.CodeExists(ctx, raw)
		if err != nil {
			return fmt.Errorf("scan %q: %w", raw, err)
		}
		if ok {
			target = e.local
			break
		}
	}
	r.metrics.routed.WithLabelValues("local").Inc()
	if err := target.CodeScanned(ctx, raw, mode, false, false); err != nil {
		return err
	}
	r.mu.Lock()
	r.offlineScans.PushBack(offlineScan{code: raw, mode: mode})
	r.mu.Unlock()
	return nil
}

// PendingOfflineScans returns the number of offline scans not replayed yet.
func (r *RobustController) PendingOfflineScans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offlineScans.Len()
}

// replayOfflineScans opens, in order, a socket votation for every scan made
// while offline. It does not wait for their results.
func (r *RobustController) replayOfflineScans() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if !r.online || r.stopped || r.offlineScans.Len() == 0 {
			r.replaying = false
			r.mu.Unlock()
			return
		}
		next, _ := r.offlineScans.PopFront()
		r.mu.Unlock()

		scan := next.(offlineScan)
		err := r.openSocketVotation(r.ctx, scan.code, scan.mode, true)
		if errors.Is(err, network.ErrDisconnected) {
			r.mu.Lock()
			r.offlineScans.PushFront(scan)
			r.replaying = false
			r.mu.Unlock()
			return
		}
		if err != nil {
			r.logger.Error("cannot replay offline scan", "code", scan.code, "error", err)
			continue
		}
		r.metrics.replayed.Inc()
	}
}

// wasOpenedByMe reports whether v was proposed through one of the channels
// of this node.
func (r *RobustController) wasOpenedByMe(v Votation) bool {
	if v.CodeSearch && r.search != nil && r.search.NodeID() == v.OpenedBy {
		return true
	}
	for _, e := range r.entries {
		if e.socket.NodeID() == v.OpenedBy {
			return true
		}
	}
	return false
}

// votationEnded surfaces the votations closed on a channel. Only those
// proposed by this node count, replays of offline scans excluded: peers
// resolve every votation of the channel, whatever the routing state.
func (r *RobustController) votationEnded(v Votation, typ code.Type) {
	if !r.wasOpenedByMe(v) || v.Offline {
		return
	}
	if v.CodeSearch {
		if v.Valid() {
			r.foundBySearch(v)
			return
		}
		typ = code.Type{Name: code.LabelFromKey(v.InCollection)}
	}
	r.notifyVotationResult(v, typ.Name)
}

// localVotationEnded surfaces the votations closed by a local controller.
// They are all scans of this node.
func (r *RobustController) localVotationEnded(v Votation, typ code.Type) {
	r.notifyVotationResult(v, typ.Name)
}

// foundBySearch opens a votation on the collection holding a searched code,
// or reports that this node may not read it.
func (r *RobustController) foundBySearch(v Votation) {
	for _, e := range r.entries {
		if e.collection.Type().Key() != v.InCollection {
			continue
		}
		next := NewVotation(v.OpenedBy, v.Consensus.Code, v.ScanMode, false, false)
		next.Solver = e.socket.ChannelSolver()
		if err := e.socket.OpenVotation(r.ctx, next); err != nil {
			r.logger.Error("cannot open votation for searched code", "code", next.Code, "error", err)
		}
		return
	}
	label := code.LabelFromKey(v.InCollection)
	r.report(ScanResult{
		VotationID:   v.ID,
		Verification: v.Verification,
		Code:         v.Consensus.Code,
		Type:         label,
		Message:      UnauthorizedMessage + label,
	})
}

func (r *RobustController) notifyVotationResult(v Votation, typ string) {
	if !v.Consensus.Exists() {
		msg := UnauthorizedMessage + typ
		if v.CodeSearch {
			msg = NotFoundMessage
		}
		r.report(ScanResult{
			VotationID:   v.ID,
			Verification: v.Verification,
			Code:         v.Consensus.Code,
			Message:      msg,
		})
		return
	}
	if v.Consensus.Validations == 1 && v.Verification != verifier.NotValid {
		r.mu.Lock()
		r.validated++
		r.mu.Unlock()
	}
	r.report(ScanResult{
		VotationID:   v.ID,
		Verification: v.Verification,
		Code:         v.Consensus.Code,
		Name:         v.Consensus.Name,
		Type:         typ,
		Message:      v.Message,
	})
}

func (r *RobustController) report(res ScanResult) {
	if found, _ := r.reported.ContainsOrAdd(res.VotationID, struct{}{}); found {
		return
	}
	r.mu.Lock()
	observer := r.onScanResult
	r.mu.Unlock()
	if observer != nil {
		observer(res)
	}
}

func (r *RobustController) codeAdded(code.Code) {
	r.mu.Lock()
	r.codeCount++
	count, listener := r.codeCount, r.onCodeAdded
	r.mu.Unlock()
	if listener != nil {
		listener(count)
	}
}

// Collections returns the collections, in type registration order.
func (r *RobustController) Collections() []*collection.Collection {
	collections := make([]*collection.Collection, 0, len(r.entries))
	for _, e := range r.entries {
		collections = append(collections, e.collection)
	}
	return collections
}

// CodeCount returns the number of codes known to this node.
func (r *RobustController) CodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codeCount
}

// Validated returns the number of codes validated at least once.
func (r *RobustController) Validated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validated
}

// Stop leaves every channel and stops the task queues. Votations still open
// never close.
func (r *RobustController) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	r.cancel()

	var result *multierror.Error
	for _, e := range r.entries {
		if err := e.socket.Disconnect(); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect %s: %w", e.collection.Type().Key(), err))
		}
		e.local.Stop()
	}
	if r.search != nil {
		if err := r.search.Disconnect(); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect search: %w", err))
		}
		r.search.queue.Close()
	}
	for _, e := range r.entries {
		e.queue.Close()
	}
	r.wg.Wait()
	return result.ErrorOrNil()
}
