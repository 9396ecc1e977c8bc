package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// LocalController resolves votations in process, without any round trip.
type LocalController struct {
	*Lifecycle
}

var _ Transport = (*LocalController)(nil)

// NewLocalController returns a local controller over cfg.Collection.
func NewLocalController(cfg ControllerConfig) (*LocalController, error) {
	if cfg.Collection == nil {
		return nil, errors.New("local controller: missing collection")
	}
	c := &LocalController{}
	lc, err := newLifecycle("local", cfg, c)
	if err != nil {
		return nil, err
	}
	c.Lifecycle = lc
	return c, nil
}

// OpenVotation resolves v against the local collection and closes it.
func (c *LocalController) OpenVotation(_ context.Context, v Votation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Solver == nil {
		v.Solver = RuleSolver{
			Rules:   c.collection.Verifier(),
			Deliver: c.deliver,
			Logger:  c.logger,
		}
	}
	c.metrics.opened.WithLabelValues(c.name).Inc()
	c.VotationOpened(v)
	return nil
}

func (c *LocalController) deliver(_ context.Context, v Votation) error {
	v.ClosedAt = time.Now().UTC()
	c.VotationClosed(v)
	return nil
}
