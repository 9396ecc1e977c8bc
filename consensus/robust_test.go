package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/code-votation/collection"
	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/ledger"
	"github.com/luca-patrignani/code-votation/network"
	"github.com/luca-patrignani/code-votation/storage"
	"github.com/luca-patrignani/code-votation/verifier"
)

const waitFor = 3 * time.Second

type testNode struct {
	identity *Identity
	ctl      *RobustController
	ledger   *ledger.Ledger
	results  chan ScanResult
}

func startNode(t *testing.T, hub *network.Hub, stores map[string]storage.Store, types ...code.Type) *testNode {
	t.Helper()
	n := newNode(t, HubDialer(hub), NewIdentity(), stores, types...)
	require.Eventually(t, n.ctl.Online, waitFor, 10*time.Millisecond)
	return n
}

// newNode returns an initialized node without waiting for its channels.
func newNode(t *testing.T, dial Dialer, id *Identity, stores map[string]storage.Store, types ...code.Type) *testNode {
	t.Helper()
	n := &testNode{
		identity: id,
		results:  make(chan ScanResult, 32),
	}
	n.ledger = ledger.New(n.identity.NodeID())
	ctl, err := NewRobustController(Config{
		Identity: n.identity,
		Dial:     dial,
		NewCollection: func(s code.Session, typ code.Type, opts ...collection.Option) (*collection.Collection, error) {
			store, ok := stores[typ.ID]
			if !ok {
				store = storage.NewMemoryStore()
			}
			return collection.New(s, typ, store, opts...), nil
		},
		VerdictGrace:  500 * time.Millisecond,
		SearchTimeout: 300 * time.Millisecond,
		Ledger:        n.ledger,
		Registerer:    prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	ctl.OnScanResult(func(r ScanResult) { n.results <- r })
	require.NoError(t, ctl.Initialize(context.Background(), session, types))
	t.Cleanup(func() { assert.NoError(t, ctl.Stop()) })
	n.ctl = ctl
	return n
}

func (n *testNode) next(t *testing.T) ScanResult {
	t.Helper()
	select {
	case r := <-n.results:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a scan result")
		return ScanResult{}
	}
}

func (n *testNode) noResult(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case r := <-n.results:
		t.Fatalf("unexpected scan result %+v", r)
	case <-time.After(within):
	}
}

func (n *testNode) setOnline(t *testing.T, hub *network.Hub, online bool) {
	t.Helper()
	hub.SetNodeOnline(n.identity.NodeID(), online)
	require.Eventually(t, func() bool { return n.ctl.Online() == online }, waitFor, 10*time.Millisecond)
}

func validations(t *testing.T, s storage.Store, raw string) int {
	t.Helper()
	c, err := s.Get(context.Background(), raw)
	require.NoError(t, err)
	return c.Validations
}

func TestScanValidThenNotValid(t *testing.T) {
	ctx := context.Background()
	hub := network.NewHub()
	store := storage.NewMemoryStore(codeOf(vip, "A1"))
	a := startNode(t, hub, map[string]storage.Store{vip.ID: store}, vip)

	require.NoError(t, a.ctl.CodeScanned(ctx, "A1", "camera"))
	first := a.next(t)
	assert.Equal(t, verifier.Valid, first.Verification)
	assert.Equal(t, "A1", first.Code)
	assert.Equal(t, "Guest A1", first.Name)
	assert.Equal(t, "VIP", first.Type)
	assert.Equal(t, 1, validations(t, store, "A1"))

	require.NoError(t, a.ctl.CodeScanned(ctx, "A1", "camera"))
	second := a.next(t)
	assert.Equal(t, verifier.NotValid, second.Verification)
	assert.Equal(t, verifier.AlreadyValidatedMessage, second.Message)
	assert.Equal(t, 1, validations(t, store, "A1"))

	assert.Equal(t, 1, a.ctl.Validated())
	assert.Equal(t, 1, a.ledger.Len())
	require.NoError(t, a.ledger.Verify())
}

func TestScanUnknownCode(t *testing.T) {
	hub := network.NewHub()
	a := startNode(t, hub, map[string]storage.Store{
		vip.ID:     storage.NewMemoryStore(codeOf(vip, "A1")),
		general.ID: storage.NewMemoryStore(codeOf(general, "G1")),
	}, vip, general)

	require.NoError(t, a.ctl.CodeScanned(context.Background(), "ZZ", "camera"))
	got := a.next(t)
	assert.Empty(t, got.Verification)
	assert.Equal(t, "ZZ", got.Code)
	assert.Equal(t, NotFoundMessage, got.Message)
}

func TestPeersCommitAndOnlyProposerSeesResult(t *testing.T) {
	hub := network.NewHub()
	storeA := storage.NewMemoryStore(codeOf(vip, "A1"))
	storeB := storage.NewMemoryStore(codeOf(vip, "A1"))
	a := startNode(t, hub, map[string]storage.Store{vip.ID: storeA}, vip)
	b := startNode(t, hub, map[string]storage.Store{vip.ID: storeB}, vip)

	require.NoError(t, a.ctl.CodeScanned(context.Background(), "A1", "camera"))
	assert.Equal(t, verifier.Valid, a.next(t).Verification)
	b.noResult(t, 200*time.Millisecond)

	assert.Equal(t, 1, validations(t, storeA, "A1"))
	assert.Eventually(t, func() bool { return validations(t, storeB, "A1") == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, b.ctl.CodeScanned(context.Background(), "A1", "manual"))
	got := b.next(t)
	assert.Equal(t, verifier.NotValid, got.Verification)
	assert.Equal(t, 1, validations(t, storeA, "A1"))
	assert.Equal(t, 1, validations(t, storeB, "A1"))
}

func TestOwnershipFilter(t *testing.T) {
	hub := network.NewHub()
	a := startNode(t, hub, map[string]storage.Store{vip.ID: storage.NewMemoryStore(codeOf(vip, "A1"))}, vip)

	foreign := NewVotation(NewIdentity().NodeID(), "A1", "camera", false, false)
	foreign.ID = "foreign-1"
	require.NoError(t, foreign.Resolve(codeOf(vip, "A1"), verifier.Verdict{Verification: verifier.Valid}))

	a.ctl.votationEnded(foreign, vip)
	a.noResult(t, 50*time.Millisecond)

	a.setOnline(t, hub, false)
	foreign.ID = "foreign-2"
	a.ctl.votationEnded(foreign, vip)
	a.noResult(t, 50*time.Millisecond)

	own := NewVotation(a.identity.NodeID(), "A1", "camera", false, false)
	own.ID = "own-1"
	require.NoError(t, own.Resolve(codeOf(vip, "A1"), verifier.Verdict{Verification: verifier.Valid}))
	a.ctl.votationEnded(own, vip)
	assert.Equal(t, "own-1", a.next(t).VotationID)

	replayed := own
	replayed.ID = "own-2"
	replayed.Offline = true
	a.ctl.votationEnded(replayed, vip)
	a.noResult(t, 50*time.Millisecond)
}

func TestPeerScansHiddenWhilePartlyConnected(t *testing.T) {
	ctx := context.Background()
	hub := network.NewHub()
	searchHub := network.NewHub()
	idA := NewIdentity()
	searchHub.SetNodeOnline(idA.NodeID(), false)
	dial := func(name, nodeID string, opts network.Options) (network.Channel, error) {
		if name == network.SearchChannelName(session.ID, session.Name) {
			return searchHub.Join(name, nodeID, opts), nil
		}
		return hub.Join(name, nodeID, opts), nil
	}
	storeA := storage.NewMemoryStore(codeOf(vip, "A1"))
	a := newNode(t, dial, idA, map[string]storage.Store{vip.ID: storeA}, vip)
	b := startNode(t, hub, map[string]storage.Store{vip.ID: storage.NewMemoryStore(codeOf(vip, "A1"))}, vip)
	assert.False(t, a.ctl.Online())

	require.NoError(t, b.ctl.CodeScanned(ctx, "A1", "camera"))
	assert.Equal(t, verifier.Valid, b.next(t).Verification)
	assert.Eventually(t, func() bool { return validations(t, storeA, "A1") == 1 }, waitFor, 10*time.Millisecond)
	a.noResult(t, 200*time.Millisecond)
}

// gatedStore holds the first validation until release is closed.
type gatedStore struct {
	*storage.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(codes ...code.Code) *gatedStore {
	return &gatedStore{
		MemoryStore: storage.NewMemoryStore(codes...),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) IncrementValidations(ctx context.Context, c string) (code.Code, error) {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.IncrementValidations(ctx, c)
}

func TestOfflineScanClosingAfterReconnectIsReported(t *testing.T) {
	hub := network.NewHub()
	store := newGatedStore(codeOf(vip, "A1"))
	a := startNode(t, hub, map[string]storage.Store{vip.ID: store}, vip)

	a.setOnline(t, hub, false)
	store.armed.Store(true)
	require.NoError(t, a.ctl.CodeScanned(context.Background(), "A1", "camera"))
	select {
	case <-store.entered:
	case <-time.After(waitFor):
		t.Fatal("validation never started")
	}
	a.setOnline(t, hub, true)
	close(store.release)

	got := a.next(t)
	assert.Equal(t, "A1", got.Code)
	assert.Equal(t, verifier.Valid, got.Verification)
	assert.Equal(t, 1, validations(t, store, "A1"))
	assert.Eventually(t, func() bool { return a.ctl.PendingOfflineScans() == 0 }, waitFor, 10*time.Millisecond)
	a.noResult(t, 200*time.Millisecond)
	assert.Equal(t, 1, validations(t, store, "A1"))
}

// brokenChannel reports itself connected but fails every publish.
type brokenChannel struct {
	network.Channel
	broken *atomic.Bool
}

func (c brokenChannel) Publish(ctx context.Context, data []byte) error {
	if c.broken.Load() {
		return network.ErrDisconnected
	}
	return c.Channel.Publish(ctx, data)
}

func TestDisconnectedPublishFallsBackAndIsReported(t *testing.T) {
	hub := network.NewHub()
	var broken atomic.Bool
	dial := func(name, nodeID string, opts network.Options) (network.Channel, error) {
		return brokenChannel{Channel: hub.Join(name, nodeID, opts), broken: &broken}, nil
	}
	store := storage.NewMemoryStore(codeOf(vip, "A1"))
	a := newNode(t, dial, NewIdentity(), map[string]storage.Store{vip.ID: store}, vip)
	require.Eventually(t, a.ctl.Online, waitFor, 10*time.Millisecond)

	broken.Store(true)
	require.NoError(t, a.ctl.CodeScanned(context.Background(), "A1", "camera"))
	assert.True(t, a.ctl.Online())

	got := a.next(t)
	assert.Equal(t, "A1", got.Code)
	assert.Equal(t, verifier.Valid, got.Verification)
	assert.Equal(t, 1, validations(t, store, "A1"))
	assert.Equal(t, 1, a.ctl.PendingOfflineScans())
}

func TestOfflineScansReplayedInOrder(t *testing.T) {
	ctx := context.Background()
	hub := network.NewHub()
	storeA := storage.NewMemoryStore(codeOf(vip, "A1"), codeOf(vip, "A2"), codeOf(vip, "A3"))
	storeB := storage.NewMemoryStore(codeOf(vip, "A1"), codeOf(vip, "A2"), codeOf(vip, "A3"))
	a := startNode(t, hub, map[string]storage.Store{vip.ID: storeA}, vip)
	startNode(t, hub, map[string]storage.Store{vip.ID: storeB}, vip)

	var mu sync.Mutex
	var opened []Votation
	observer := hub.Join(network.ChannelName(session.ID, session.Name, vip.ID, vip.Name), "observer", network.Options{})
	defer observer.Disconnect()
	observer.Subscribe(func(data []byte) {
		var e Event
		if json.Unmarshal(data, &e) == nil && e.Kind == EventOpen {
			mu.Lock()
			opened = append(opened, e.Votation)
			mu.Unlock()
		}
	})

	a.setOnline(t, hub, false)
	for _, raw := range []string{"A1", "A2", "A3"} {
		require.NoError(t, a.ctl.CodeScanned(ctx, raw, "camera"))
		got := a.next(t)
		assert.Equal(t, raw, got.Code)
		assert.Equal(t, verifier.Valid, got.Verification, "offline results are surfaced")
	}
	assert.Equal(t, 3, a.ctl.PendingOfflineScans())
	assert.Equal(t, 0, validations(t, storeB, "A1"))

	a.setOnline(t, hub, true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(opened) == 3
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 0, a.ctl.PendingOfflineScans())

	mu.Lock()
	for i, raw := range []string{"A1", "A2", "A3"} {
		assert.Equal(t, raw, opened[i].Code)
		assert.True(t, opened[i].Offline)
		assert.Equal(t, a.identity.NodeID(), opened[i].OpenedBy)
	}
	mu.Unlock()

	for _, raw := range []string{"A1", "A2", "A3"} {
		assert.Eventually(t, func() bool { return validations(t, storeB, raw) == 1 }, waitFor, 10*time.Millisecond)
	}
	a.noResult(t, 200*time.Millisecond)
	for _, raw := range []string{"A1", "A2", "A3"} {
		assert.Equal(t, 1, validations(t, storeA, raw))
	}
}

type flakyStore struct {
	*storage.MemoryStore
	fail atomic.Bool
}

func (s *flakyStore) Exists(ctx context.Context, c string) (bool, error) {
	if s.fail.Load() {
		return false, errors.New("disk on fire")
	}
	return s.MemoryStore.Exists(ctx, c)
}

func TestLookupFailurePropagates(t *testing.T) {
	hub := network.NewHub()
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(codeOf(vip, "A1"))}
	a := startNode(t, hub, map[string]storage.Store{vip.ID: store}, vip)
	store.fail.Store(true)

	err := a.ctl.CodeScanned(context.Background(), "A1", "camera")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	a.setOnline(t, hub, false)
	err = a.ctl.CodeScanned(context.Background(), "A1", "camera")
	require.Error(t, err)
	assert.Equal(t, 0, a.ctl.PendingOfflineScans())
}

func TestSearchFindsForeignCollection(t *testing.T) {
	hub := network.NewHub()
	a := startNode(t, hub, map[string]storage.Store{vip.ID: storage.NewMemoryStore(codeOf(vip, "A1"))}, vip)
	startNode(t, hub, map[string]storage.Store{
		vip.ID:     storage.NewMemoryStore(codeOf(vip, "A1")),
		general.ID: storage.NewMemoryStore(codeOf(general, "G1")),
	}, vip, general)

	require.NoError(t, a.ctl.CodeScanned(context.Background(), "G1", "camera"))
	got := a.next(t)
	assert.Equal(t, verifier.Valid, got.Verification)
	assert.Equal(t, "G1", got.Code)
	assert.Equal(t, "General", got.Type)
	assert.Equal(t, UnauthorizedMessage+"General", got.Message)
}

func TestSearchReopensOnKnownCollection(t *testing.T) {
	hub := network.NewHub()
	storeA := storage.NewMemoryStore()
	storeB := storage.NewMemoryStore(codeOf(vip, "V9"))
	a := startNode(t, hub, map[string]storage.Store{vip.ID: storeA}, vip)
	startNode(t, hub, map[string]storage.Store{vip.ID: storeB}, vip)

	counts := make(chan int, 4)
	a.ctl.OnCodeAdded(func(count int) { counts <- count })

	require.NoError(t, a.ctl.CodeScanned(context.Background(), "V9", "camera"))
	got := a.next(t)
	assert.Equal(t, verifier.Valid, got.Verification)
	assert.Equal(t, "V9", got.Code)
	assert.Equal(t, "VIP", got.Type)

	assert.Equal(t, 1, validations(t, storeA, "V9"))
	assert.Eventually(t, func() bool { return validations(t, storeB, "V9") == 1 }, waitFor, 10*time.Millisecond)
	select {
	case count := <-counts:
		assert.Equal(t, 1, count)
	case <-time.After(waitFor):
		t.Fatal("code added listener not called")
	}
	assert.Equal(t, 1, a.ctl.CodeCount())
}

func TestScanResultReportedOnce(t *testing.T) {
	ctl, err := NewRobustController(Config{
		Identity:      NewIdentity(),
		Dial:          HubDialer(network.NewHub()),
		NewCollection: func(code.Session, code.Type, ...collection.Option) (*collection.Collection, error) { return nil, nil },
	})
	require.NoError(t, err)
	calls := 0
	ctl.OnScanResult(func(ScanResult) { calls++ })

	res := ScanResult{VotationID: "v1", Code: "A1"}
	ctl.report(res)
	ctl.report(res)
	assert.Equal(t, 1, calls)

	err = ctl.CodeScanned(context.Background(), "A1", "camera")
	assert.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, ctl.Stop())
	assert.ErrorIs(t, ctl.CodeScanned(context.Background(), "A1", "camera"), ErrStopped)
}

func TestConnectionListener(t *testing.T) {
	hub := network.NewHub()
	a := startNode(t, hub, map[string]storage.Store{vip.ID: storage.NewMemoryStore()}, vip)
	changes := make(chan bool, 4)
	a.ctl.OnConnectionChanged(func(online bool) { changes <- online })

	hub.SetNodeOnline(a.identity.NodeID(), false)
	hub.SetNodeOnline(a.identity.NodeID(), true)
	for _, want := range []bool{false, true} {
		select {
		case got := <-changes:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatal("connection listener not called")
		}
	}
}
