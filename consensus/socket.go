package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/code-votation/network"
)

// DefaultVerdictGrace is how long a proposer waits for a verdict carrying a
// consensus before settling for one without.
const DefaultVerdictGrace = 500 * time.Millisecond

const publishTimeout = 10 * time.Second

// SocketController runs votations over the channel of its collection type.
//
// Every member of the channel, the proposer included, answers an open event
// with the verdict of its own replica. The proposer closes the votation with
// the first verdict carrying a consensus. Verdicts without one are kept for
// the grace period and used only when nothing better arrives.
type SocketController struct {
	*Lifecycle
	events *eventChannel
	grace  time.Duration

	mu        sync.Mutex
	proposals map[string]*proposal
}

type proposal struct {
	solver   Solver
	fallback *Votation
	timer    *time.Timer
}

var _ Transport = (*SocketController)(nil)

// NewSocketController returns a controller over cfg.Collection talking on ch.
// Votations are proposed under the node id of ch. A zero grace selects
// DefaultVerdictGrace.
func NewSocketController(cfg ControllerConfig, ch network.Channel, id *Identity, grace time.Duration) (*SocketController, error) {
	if cfg.Collection == nil {
		return nil, errors.New("socket controller: missing collection")
	}
	if grace <= 0 {
		grace = DefaultVerdictGrace
	}
	cfg.NodeID = ch.NodeID()
	c := &SocketController{
		grace:     grace,
		proposals: make(map[string]*proposal),
	}
	lc, err := newLifecycle("socket", cfg, c)
	if err != nil {
		return nil, err
	}
	c.Lifecycle = lc
	c.events = newEventChannel(ch, id, lc.metrics, lc.logger)
	c.events.Subscribe(c.handle)
	return c, nil
}

// ChannelSolver returns the solver publishing verdicts on the channel of c.
func (c *SocketController) ChannelSolver() Solver {
	return ChannelSolver{
		Rules:     c.collection.Verifier(),
		Publisher: c.events,
		Logger:    c.logger,
	}
}

// OpenVotation publishes v on the channel. It fails with
// network.ErrDisconnected while the channel is down.
func (c *SocketController) OpenVotation(ctx context.Context, v Votation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	solver := v.Solver
	if solver == nil {
		solver = c.ChannelSolver()
	}
	v.Solver = nil

	c.mu.Lock()
	c.proposals[v.ID] = &proposal{solver: solver}
	c.mu.Unlock()

	if err := c.events.Publish(ctx, EventOpen, v); err != nil {
		c.mu.Lock()
		delete(c.proposals, v.ID)
		c.mu.Unlock()
		return fmt.Errorf("open votation %s: %w", v.ID, err)
	}
	c.metrics.opened.WithLabelValues(c.name).Inc()
	return nil
}

func (c *SocketController) handle(e Event) {
	v := e.Votation
	switch e.Kind {
	case EventOpen:
		if e.From != v.OpenedBy {
			c.logger.Warn("open event not sent by proposer", "votation", v.ID, "node", e.From)
			return
		}
		v.Solver = c.solverFor(v.ID)
		c.VotationOpened(v)
	case EventVerdict:
		c.verdictReceived(v)
	case EventClose:
		if e.From != v.OpenedBy {
			c.logger.Warn("close event not sent by proposer", "votation", v.ID, "node", e.From)
			return
		}
		c.forget(v.ID)
		c.VotationClosed(v)
	}
}

func (c *SocketController) solverFor(id string) Solver {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proposals[id]; ok {
		return p.solver
	}
	return c.ChannelSolver()
}

// verdictReceived closes an own votation on the first verdict with consensus.
func (c *SocketController) verdictReceived(v Votation) {
	c.mu.Lock()
	p, ok := c.proposals[v.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if v.Consensus.Exists() {
		delete(c.proposals, v.ID)
		if p.timer != nil {
			p.timer.Stop()
		}
		c.mu.Unlock()
		c.publishClose(v)
		return
	}
	if p.fallback == nil {
		p.fallback = &v
		p.timer = time.AfterFunc(c.grace, func() { c.graceExpired(v.ID) })
	}
	c.mu.Unlock()
}

func (c *SocketController) graceExpired(id string) {
	c.mu.Lock()
	p, ok := c.proposals[id]
	if ok {
		delete(c.proposals, id)
	}
	c.mu.Unlock()
	if ok && p.fallback != nil {
		c.publishClose(*p.fallback)
	}
}

func (c *SocketController) publishClose(v Votation) {
	v.ClosedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, EventClose, v); err != nil {
		c.logger.Error("cannot close votation", "votation", v.ID, "error", err)
	}
}

func (c *SocketController) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proposals[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.proposals, id)
	}
}

// Connected reports whether the channel of c is up.
func (c *SocketController) Connected() bool { return c.events.ch.Connected() }

// Disconnect stops the task queue and leaves the channel. Pending proposals
// are dropped.
func (c *SocketController) Disconnect() error {
	c.Stop()
	c.mu.Lock()
	for id, p := range c.proposals {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.proposals, id)
	}
	c.mu.Unlock()
	return c.events.Disconnect()
}
