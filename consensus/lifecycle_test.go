package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/code-votation/collection"
	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/ledger"
	"github.com/luca-patrignani/code-votation/storage"
	"github.com/luca-patrignani/code-votation/verifier"
)

var (
	session = code.Session{ID: "s1", Name: "Summer Fest"}
	vip     = code.Type{ID: "1", Name: "VIP"}
	general = code.Type{ID: "2", Name: "General"}
)

func codeOf(typ code.Type, raw string) code.Code {
	return code.Code{ID: "id-" + raw, Code: raw, Name: "Guest " + raw, Type: typ.Name}
}

type closed struct {
	votation Votation
	typ      code.Type
}

func newLocal(t *testing.T, coll *collection.Collection, l Ledger) (*LocalController, <-chan closed) {
	t.Helper()
	out := make(chan closed, 16)
	c, err := NewLocalController(ControllerConfig{
		NodeID:     "node-a",
		Collection: coll,
		Ledger:     l,
		Listener:   func(v Votation, typ code.Type) { out <- closed{v, typ} },
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.queue.Close() })
	return c, out
}

func nextClosed(t *testing.T, ch <-chan closed) closed {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a votation to close")
		return closed{}
	}
}

func TestLifecycleWithoutTransport(t *testing.T) {
	l, err := NewLifecycle(ControllerConfig{NodeID: "node-a"})
	require.NoError(t, err)
	err = l.CodeScanned(context.Background(), "A1", "camera", false, false)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestLocalControllerValidatesOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(codeOf(vip, "A1"))
	audit := ledger.New("node-a")
	c, out := newLocal(t, collection.New(session, vip, store), audit)
	c.Start()

	require.NoError(t, c.CodeScanned(ctx, "A1", "camera", true, false))
	first := nextClosed(t, out)
	assert.Equal(t, verifier.Valid, first.votation.Verification)
	assert.Equal(t, 1, first.votation.Consensus.Validations)
	assert.Equal(t, "node-a", first.votation.OpenedBy)
	assert.True(t, first.votation.Offline)
	assert.Equal(t, vip, first.typ)

	require.NoError(t, c.CodeScanned(ctx, "A1", "camera", true, false))
	second := nextClosed(t, out)
	assert.Equal(t, verifier.NotValid, second.votation.Verification)
	assert.Equal(t, verifier.AlreadyValidatedMessage, second.votation.Message)
	assert.Equal(t, 1, second.votation.Consensus.Validations)

	stored, err := store.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Validations)

	assert.Equal(t, 1, audit.Len())
	require.NoError(t, audit.Verify())
	block, err := audit.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, first.votation.ID, block.Record.VotationID)
	assert.Equal(t, vip.Key(), block.Record.Type)
}

func TestConcurrentVotationsCommitOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(codeOf(vip, "A1"))
	c, out := newLocal(t, collection.New(session, vip, store), nil)

	// Both verdicts are emitted before either votation closes.
	require.NoError(t, c.CodeScanned(ctx, "A1", "camera", false, false))
	require.NoError(t, c.CodeScanned(ctx, "A1", "manual", false, false))
	c.Start()

	first, second := nextClosed(t, out), nextClosed(t, out)
	assert.Equal(t, verifier.Valid, first.votation.Verification)
	assert.Equal(t, verifier.NotValid, second.votation.Verification)
	assert.Equal(t, verifier.AlreadyValidatedMessage, second.votation.Message)

	stored, err := store.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Validations)
}

func TestUnknownCodeClosesWithoutConsensus(t *testing.T) {
	c, out := newLocal(t, collection.New(session, vip, storage.NewMemoryStore()), nil)
	c.Start()

	require.NoError(t, c.CodeScanned(context.Background(), "ZZ", "camera", true, false))
	got := nextClosed(t, out)
	assert.False(t, got.votation.Consensus.Exists())
	assert.Equal(t, "ZZ", got.votation.Consensus.Code)
	assert.Empty(t, got.votation.Verification)
}

func TestUndecidedPolicyRejects(t *testing.T) {
	undecided := verifier.New(verifier.Rule{
		Name:     "shrug",
		Validate: func([]any) verifier.Result { return verifier.Result{Action: verifier.ActionContinue} },
	})
	store := storage.NewMemoryStore(codeOf(vip, "A1"))
	c, out := newLocal(t, collection.New(session, vip, store, collection.WithVerifier(undecided)), nil)
	c.Start()

	require.NoError(t, c.CodeScanned(context.Background(), "A1", "camera", false, false))
	got := nextClosed(t, out)
	assert.Equal(t, verifier.NotValid, got.votation.Verification)
	assert.Equal(t, UndecidedMessage, got.votation.Message)
}

func TestVotationClosedOnce(t *testing.T) {
	store := storage.NewMemoryStore(codeOf(vip, "A1"))
	c, out := newLocal(t, collection.New(session, vip, store), nil)
	c.Start()

	v := NewVotation("node-b", "A1", "camera", false, false)
	v.ID = "votation-1"
	require.NoError(t, v.Resolve(codeOf(vip, "A1"), verifier.Verdict{Verification: verifier.Valid}))
	c.VotationClosed(v)
	c.VotationClosed(v)

	nextClosed(t, out)
	select {
	case <-out:
		t.Fatal("votation closed twice")
	case <-time.After(100 * time.Millisecond):
	}
	stored, err := store.Get(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Validations)
}

func TestResolveOnce(t *testing.T) {
	v := NewVotation("node-a", "A1", "camera", false, false)
	require.NoError(t, v.Resolve(codeOf(vip, "A1"), verifier.Verdict{Verification: verifier.Valid, Message: "ok"}))
	assert.True(t, v.Valid())
	err := v.Resolve(codeOf(vip, "A1"), verifier.Verdict{Verification: verifier.NotValid})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.True(t, v.Valid())
}
