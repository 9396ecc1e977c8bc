// Package collection implements the code collection of one (session, type)
// pair: a local replica over a storage.Store, optionally synced from an
// upstream store, together with the verification policy of that type.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/storage"
	"github.com/luca-patrignani/code-votation/verifier"
)

// Collection is the set of codes of one type within a session.
//
// Reads may come from any goroutine. Writes (ApplyValidation) are expected to
// come from the task queue of the controller owning the collection.
type Collection struct {
	session  code.Session
	typ      code.Type
	store    storage.Store
	upstream storage.Store
	verifier *verifier.Verifier
	logger   *slog.Logger

	mu          sync.Mutex
	validated   int
	onCodeAdded func(code.Code)
}

// Option configures a Collection.
type Option func(*Collection)

// WithUpstream sets the store SyncCollection pulls codes from.
func WithUpstream(s storage.Store) Option {
	return func(c *Collection) { c.upstream = s }
}

// WithVerifier sets the verification policy. The default is verifier.DefaultRules.
func WithVerifier(v *verifier.Verifier) Option {
	return func(c *Collection) { c.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collection) { c.logger = l }
}

// OnCodeAdded registers the hook fired for every code added by a sync or by
// a validation of a code the replica did not know.
func OnCodeAdded(f func(code.Code)) Option {
	return func(c *Collection) { c.onCodeAdded = f }
}

// New returns the collection of typ in session, backed by store.
func New(session code.Session, typ code.Type, store storage.Store, opts ...Option) *Collection {
	c := &Collection{
		session: session,
		typ:     typ,
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifier == nil {
		c.verifier = verifier.New(verifier.DefaultRules()...)
	}
	return c
}

// Type returns the collection type.
func (c *Collection) Type() code.Type { return c.typ }

// Session returns the session the collection belongs to.
func (c *Collection) Session() code.Session { return c.session }

// Verifier returns the verification policy of the collection.
func (c *Collection) Verifier() *verifier.Verifier { return c.verifier }

// CodeExists reports whether the collection holds code.
// Lookup failures are returned, never turned into false.
func (c *Collection) CodeExists(ctx context.Context, code string) (bool, error) {
	ok, err := c.store.Exists(ctx, code)
	if err != nil {
		return false, fmt.Errorf("collection %s: %w", c.typ.Key(), err)
	}
	return ok, nil
}

// Get returns the current snapshot of the code, or the absent snapshot when
// the collection does not hold it.
func (c *Collection) Get(ctx context.Context, raw string) (code.Code, error) {
	stored, err := c.store.Get(ctx, raw)
	if errors.Is(err, storage.ErrNotFound) {
		return code.Absent(raw), nil
	}
	if err != nil {
		return code.Code{}, fmt.Errorf("collection %s: %w", c.typ.Key(), err)
	}
	return stored, nil
}

// GetCodeCount returns the number of codes in the collection.
func (c *Collection) GetCodeCount(ctx context.Context) (int, error) {
	return c.store.Count(ctx)
}

// Validated returns the number of codes validated at least once.
func (c *Collection) Validated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validated
}

// SyncCollection pulls every upstream code into the local replica, firing the
// add hook for codes the replica did not hold, and refreshes the validated
// counter. Without an upstream only the counter is refreshed.
func (c *Collection) SyncCollection(ctx context.Context) error {
	if c.upstream != nil {
		codes, err := c.upstream.All(ctx)
		if err != nil {
			return fmt.Errorf("sync %s: %w", c.typ.Key(), err)
		}
		for _, remote := range codes {
			local, err := c.store.Get(ctx, remote.Code)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("sync %s: %w", c.typ.Key(), err)
			}
			if err == nil && local.Validations > remote.Validations {
				remote.Validations = local.Validations
			}
			isNew, err := c.store.Put(ctx, remote)
			if err != nil {
				return fmt.Errorf("sync %s: %w", c.typ.Key(), err)
			}
			if isNew {
				c.codeAdded(remote)
			}
		}
		c.logger.Info("collection synced", "collection", c.typ.Key(), "codes", len(codes))
	}
	validated, err := c.store.ValidatedCount(ctx)
	if err != nil {
		return fmt.Errorf("sync %s: %w", c.typ.Key(), err)
	}
	c.mu.Lock()
	c.validated = validated
	c.mu.Unlock()
	return nil
}

// ApplyValidation increments the validation counter of snapshot's code and
// returns the updated snapshot. A code the replica does not hold yet is first
// inserted from snapshot.
func (c *Collection) ApplyValidation(ctx context.Context, snapshot code.Code) (code.Code, error) {
	if !snapshot.Exists() {
		return code.Code{}, fmt.Errorf("collection %s: cannot validate absent code %q", c.typ.Key(), snapshot.Code)
	}
	updated, err := c.store.IncrementValidations(ctx, snapshot.Code)
	if errors.Is(err, storage.ErrNotFound) {
		snapshot.Validations++
		if _, err := c.store.Put(ctx, snapshot); err != nil {
			return code.Code{}, fmt.Errorf("collection %s: %w", c.typ.Key(), err)
		}
		c.codeAdded(snapshot)
		updated, err = snapshot, nil
	}
	if err != nil {
		return code.Code{}, fmt.Errorf("collection %s: %w", c.typ.Key(), err)
	}
	if updated.Validations == 1 {
		c.mu.Lock()
		c.validated++
		c.mu.Unlock()
	}
	return updated, nil
}

func (c *Collection) codeAdded(added code.Code) {
	if c.onCodeAdded != nil {
		c.onCodeAdded(added)
	}
}
