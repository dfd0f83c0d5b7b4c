package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/mixcore/infrastructure/state"
	"github.com/r3e-network/mixcore/internal/mixcore/audit"
)

func singleOutput() []Output {
	return []Output{{Address: "addr-x", ShareBPS: 10000}}
}

func newTestStore() (*Store, *fakeVault, *auditBackend) {
	backend := state.NewMemoryBackend(time.Minute)
	ab := newAuditBackend()
	vault := &fakeVault{}
	return NewStore(backend, audit.New(ab), vault, nil), vault, ab
}

// auditBackend adapts a MemoryBackend-style map to audit.Backend for tests.
type auditBackend struct {
	streams map[string][][]byte
}

func newAuditBackend() *auditBackend { return &auditBackend{streams: make(map[string][][]byte)} }

func (b *auditBackend) Append(ctx context.Context, stream string, event []byte) error {
	b.streams[stream] = append(b.streams[stream], event)
	return nil
}

func (b *auditBackend) Range(ctx context.Context, stream string) ([][]byte, error) {
	return b.streams[stream], nil
}

type fakeVault struct {
	destroyed []string
}

func (v *fakeVault) Destroy(ctx context.Context, sessionID string) error {
	v.destroyed = append(v.destroyed, sessionID)
	return nil
}

func TestCreateStartsInCreatedState(t *testing.T) {
	store, _, _ := newTestStore()
	id, err := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, err)

	view, err := store.Observe(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, view.Status)
}

func TestCreateRejectsBadShareSum(t *testing.T) {
	store, _, _ := newTestStore()
	_, err := store.Create(context.Background(), Request{
		Currency:       "BTC",
		ExpectedAmount: 100000,
		Outputs:        []Output{{Address: "a", ShareBPS: 7000}, {Address: "b", ShareBPS: 2000}},
	})
	require.Error(t, err)
}

func TestCreateRejectsTooManyOutputs(t *testing.T) {
	store, _, _ := newTestStore()
	outputs := make([]Output, MaxOutputs+1)
	for i := range outputs {
		outputs[i] = Output{Address: "a", ShareBPS: 1}
	}
	_, err := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 1000, Outputs: outputs})
	require.Error(t, err)
}

func TestApplyFollowsLegalTransitions(t *testing.T) {
	store, _, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})

	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))

	to, err := store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1", Amount: 100000})
	require.NoError(t, err)
	require.Equal(t, StatusDepositDetected, to)

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "tx1", sess.DepositTxID)
}

func TestApplyRejectsIllegalEdge(t *testing.T) {
	store, _, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})

	_, err := store.Apply(context.Background(), id, Edge{Kind: EdgeHopConfirmed})
	require.ErrorIs(t, err, ErrIllegalEdge)
}

func TestReapplyingSameEdgeIsNoOpWithoutDuplicateAudit(t *testing.T) {
	store, _, ab := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))

	_, err := store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1"})
	require.NoError(t, err)
	events := len(ab.streams[id])

	to, err := store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1"})
	require.NoError(t, err)
	require.Equal(t, StatusDepositDetected, to)
	require.Equal(t, events, len(ab.streams[id]), "replayed edge must not append an audit event")
}

func TestCancelBeforeReleaseRoutesToRefunding(t *testing.T) {
	store, _, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1"})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositConfirmed, Confirmations: 6})

	err := store.Cancel(context.Background(), id)
	require.NoError(t, err)

	view, err := store.Observe(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusRefunding, view.Status)
}

func TestCancelTooLateAfterReleasing(t *testing.T) {
	store, _, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1"})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositConfirmed, Confirmations: 6})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgePooled})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeScheduled})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeHopSubmitted})

	err := store.Cancel(context.Background(), id)
	require.ErrorIs(t, err, ErrTooLate)
}

func TestCancelBeforeDepositDestroysKey(t *testing.T) {
	store, vault, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))

	require.NoError(t, store.Cancel(context.Background(), id))

	view, _ := store.Observe(context.Background(), id)
	require.Equal(t, StatusCancelled, view.Status)
	require.Contains(t, vault.destroyed, id)

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, sess.KeyDestroyed)
	require.Empty(t, sess.KeyHandle)
}

func TestCompletionDestroysKey(t *testing.T) {
	store, vault, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1"})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositConfirmed, Confirmations: 6})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgePooled})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeScheduled})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeHopSubmitted})

	to, err := store.Apply(context.Background(), id, Edge{Kind: EdgeHopConfirmed})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, to)
	require.Contains(t, vault.destroyed, id)
}

func TestPooledExpiryRoutesToRefunding(t *testing.T) {
	store, _, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	require.NoError(t, store.ProvisionAddress(context.Background(), id, "deposit-addr", "key-1"))
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositSeen, TxID: "tx1"})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgeDepositConfirmed, Confirmations: 6})
	_, _ = store.Apply(context.Background(), id, Edge{Kind: EdgePooled})

	to, err := store.Apply(context.Background(), id, Edge{Kind: EdgeExpire})
	require.NoError(t, err)
	require.Equal(t, StatusRefunding, to)
}

func TestFeeAndPayoutConservation(t *testing.T) {
	sess := &Session{ExpectedAmount: 100000000, FeeBPS: 50}
	require.Equal(t, sess.ExpectedAmount, sess.FeeAmount()+sess.PayoutAmount())
}

func TestRecoversSessionFromBackendAfterEviction(t *testing.T) {
	store, _, _ := newTestStore()
	id, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})

	store.mu.Lock()
	delete(store.entries, id)
	store.mu.Unlock()

	view, err := store.Observe(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, view.Status)
}

func TestListReturnsPersistedSessions(t *testing.T) {
	store, _, _ := newTestStore()
	a, _ := store.Create(context.Background(), Request{Currency: "BTC", ExpectedAmount: 100000, Outputs: singleOutput()})
	b, _ := store.Create(context.Background(), Request{Currency: "ETH", ExpectedAmount: 200000, Outputs: singleOutput()})

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a, b}, ids)
}
