package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/code-votation/collection"
	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/network"
	"github.com/luca-patrignani/code-votation/verifier"
)

// DefaultSearchTimeout is how long a proposer waits for some node to claim
// a searched code.
const DefaultSearchTimeout = 3 * time.Second

// SearchController looks for codes whose collection the proposer does not
// know. Every node checks its own collections and the first one holding the
// code answers with a close event naming the collection. The proposer closes
// the votation without consensus when nobody answers in time.
type SearchController struct {
	*Lifecycle
	events      *eventChannel
	collections []*collection.Collection
	timeout     time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

var _ Transport = (*SearchController)(nil)

// NewSearchController returns a controller answering searches from
// collections and talking on ch. A zero timeout selects DefaultSearchTimeout.
func NewSearchController(cfg ControllerConfig, ch network.Channel, id *Identity, collections []*collection.Collection, timeout time.Duration) (*SearchController, error) {
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	cfg.NodeID = ch.NodeID()
	cfg.Collection = nil
	c := &SearchController{
		collections: collections,
		timeout:     timeout,
		pending:     make(map[string]*time.Timer),
	}
	lc, err := newLifecycle("search", cfg, c)
	if err != nil {
		return nil, err
	}
	c.Lifecycle = lc
	c.events = newEventChannel(ch, id, lc.metrics, lc.logger)
	c.events.Subscribe(c.handle)
	return c, nil
}

// OpenVotation publishes v on the search channel.
func (c *SearchController) OpenVotation(ctx context.Context, v Votation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CodeSearch = true
	v.Solver = nil

	c.mu.Lock()
	c.pending[v.ID] = time.AfterFunc(c.timeout, func() { c.notFound(v) })
	c.mu.Unlock()

	if err := c.events.Publish(ctx, EventOpen, v); err != nil {
		c.forget(v.ID)
		return fmt.Errorf("open search %s: %w", v.ID, err)
	}
	c.metrics.opened.WithLabelValues(c.name).Inc()
	return nil
}

func (c *SearchController) handle(e Event) {
	v := e.Votation
	switch e.Kind {
	case EventOpen:
		v.Solver = searchSolver{controller: c}
		c.VotationOpened(v)
	case EventClose:
		c.forget(v.ID)
		c.VotationClosed(v)
	}
}

// notFound closes an own search nobody answered.
func (c *SearchController) notFound(v Votation) {
	c.mu.Lock()
	_, ok := c.pending[v.ID]
	delete(c.pending, v.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("nobody claimed code", "votation", v.ID, "code", v.Code)
	_ = v.Resolve(code.Absent(v.Code), verifier.Verdict{})
	v.ClosedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, EventClose, v); err != nil {
		c.logger.Error("cannot close search", "votation", v.ID, "error", err)
	}
}

func (c *SearchController) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.pending[id]; ok {
		timer.Stop()
		delete(c.pending, id)
	}
}

// Connected reports whether the search channel is up.
func (c *SearchController) Connected() bool { return c.events.ch.Connected() }

// Disconnect stops the task queue and leaves the channel. Pending searches
// are dropped.
func (c *SearchController) Disconnect() error {
	c.Stop()
	c.mu.Lock()
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.events.Disconnect()
}

// searchSolver claims a searched code for the first collection holding it.
type searchSolver struct {
	controller *SearchController
}

func (s searchSolver) Solve(ctx context.Context, v Votation, _ code.Code) error {
	c := s.controller
	for _, coll := range c.collections {
		ok, err := coll.CodeExists(ctx, v.Code)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		snapshot, err := coll.Get(ctx, v.Code)
		if err != nil {
			return err
		}
		resolved, err := resolve(v, snapshot, coll.Verifier(), c.logger)
		if err != nil {
			return err
		}
		resolved.InCollection = coll.Type().Key()
		resolved.ClosedAt = time.Now().UTC()
		c.logger.Info("claiming searched code", "votation", v.ID, "code", v.Code, "collection", resolved.InCollection)
		return c.events.Publish(ctx, EventClose, resolved)
	}
	return nil
}
