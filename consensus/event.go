package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/luca-patrignani/code-votation/network"
)

// EventKind is the step of the protocol an event carries.
type EventKind string

const (
	EventOpen    EventKind = "open"
	EventVerdict EventKind = "verdict"
	EventClose   EventKind = "close"
)

// ErrBadSignature is returned for events whose signature does not verify.
var ErrBadSignature = errors.New("bad event signature")

// Event is the signed envelope votations travel in.
type Event struct {
	Kind      EventKind `json:"kind"`
	Votation  Votation  `json:"votation"`
	From      string    `json:"from"`
	PublicKey []byte    `json:"pub"`
	Signature []byte    `json:"sig,omitempty"`
}

// serialize returns the JSON form of the event with the signature cleared.
func (e *Event) serialize() ([]byte, error) {
	tmp := *e
	tmp.Signature = nil
	return json.Marshal(tmp)
}

// Sign sets the sender of the event to id and signs it.
func (e *Event) Sign(id *Identity) error {
	e.From = id.NodeID()
	e.PublicKey = id.PublicKey()
	b, err := e.serialize()
	if err != nil {
		return err
	}
	sig, err := id.Sign(b)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// VerifySignature checks the signature of the event and that its sender id
// matches the public key it was signed with.
func (e *Event) VerifySignature() (bool, error) {
	if len(e.Signature) == 0 {
		return false, errors.New("missing signature")
	}
	if NodeIDFromPublicKey(e.PublicKey) != e.From {
		return false, nil
	}
	b, err := e.serialize()
	if err != nil {
		return false, err
	}
	return verifySchnorr(e.PublicKey, b, e.Signature) == nil, nil
}

// Publisher publishes votation events.
type Publisher interface {
	Publish(ctx context.Context, kind EventKind, v Votation) error
}

// eventChannel signs outgoing events and verifies incoming ones.
type eventChannel struct {
	ch       network.Channel
	identity *Identity
	metrics  *Metrics
	logger   *slog.Logger
}

func newEventChannel(ch network.Channel, id *Identity, metrics *Metrics, logger *slog.Logger) *eventChannel {
	return &eventChannel{
		ch:       ch,
		identity: id,
		metrics:  metrics,
		logger:   logger.With("channel", ch.Name()),
	}
}

func (c *eventChannel) NodeID() string { return c.ch.NodeID() }

func (c *eventChannel) Publish(ctx context.Context, kind EventKind, v Votation) error {
	e := Event{Kind: kind, Votation: v}
	if err := e.Sign(c.identity); err != nil {
		return fmt.Errorf("sign %s event: %w", kind, err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	return c.ch.Publish(ctx, data)
}

// Subscribe delivers every well formed, correctly signed event to handler.
func (c *eventChannel) Subscribe(handler func(Event)) {
	c.ch.Subscribe(func(data []byte) {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("dropping malformed event", "error", err)
			c.metrics.rejected.Inc()
			return
		}
		ok, err := e.VerifySignature()
		if !ok {
			c.logger.Warn("dropping event", "node", e.From, "votation", e.Votation.ID,
				"error", errors.Join(ErrBadSignature, err))
			c.metrics.rejected.Inc()
			return
		}
		handler(e)
	})
}

func (c *eventChannel) Disconnect() error {
	return c.ch.Disconnect()
}
