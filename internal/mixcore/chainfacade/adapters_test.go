package chainfacade

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/joeqian10/neo3-gogogo/crypto"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

func newAccountAdapter(client RPCClient) *AccountChainAdapter {
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	return NewAccountChainAdapter(AccountConfig{
		Currency:          "NEO",
		Client:            client,
		TokenContractHash: "0xd2a4cff31913016155e38e474a2c06d08be276cf",
		AddressVersion:    0x35,
	}, monitor)
}

func TestAccountNoncesAreStrictlyIncreasingPerSender(t *testing.T) {
	adapter := newAccountAdapter(&fakeRPCClient{})

	const workers = 16
	nonces := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := adapter.NextNonce(context.Background(), "sender-1")
			require.NoError(t, err)
			nonces[i] = n
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers)
	for _, n := range nonces {
		require.False(t, seen[n], "nonce %d issued twice", n)
		seen[n] = true
	}
}

func TestAccountValidateAddressAcceptsBase58Check(t *testing.T) {
	adapter := newAccountAdapter(&fakeRPCClient{})

	payload := append([]byte{0x35}, make([]byte, 20)...)
	address := crypto.Base58CheckEncode(payload)
	require.True(t, adapter.ValidateAddress(address))

	// Wrong version byte.
	wrong := crypto.Base58CheckEncode(append([]byte{0x17}, make([]byte, 20)...))
	require.False(t, adapter.ValidateAddress(wrong))

	// Raw 20-byte script hash in hex is also accepted.
	require.True(t, adapter.ValidateAddress("d2a4cff31913016155e38e474a2c06d08be276cf"))
	require.False(t, adapter.ValidateAddress("not-an-address"))
}

func TestAccountBroadcastReservesNoncePerSender(t *testing.T) {
	adapter := newAccountAdapter(&fakeRPCClient{})

	req := BroadcastRequest{
		Currency:  "NEO",
		Inputs:    []ReservedInput{{PoolEntryID: "pool-account-1", Amount: 100}},
		ToAddress: "dest",
		Amount:    100,
	}
	h1, err := adapter.BuildAndBroadcast(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, h1.TxID)
	h2, err := adapter.BuildAndBroadcast(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, h2.TxID)
	require.Equal(t, uint64(2), adapter.nonces["pool-account-1"])
}

// recordingRPCClient captures raw submissions in arrival order.
type recordingRPCClient struct {
	mu        sync.Mutex
	submitted []string
}

func (r *recordingRPCClient) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	if method == "sendrawtransaction" {
		r.mu.Lock()
		r.submitted = append(r.submitted, params[0].(string))
		r.mu.Unlock()
	}
	return []byte("ok"), nil
}

// nonceOf decodes the little-endian nonce the adapter appends before the
// 4-byte salt at the end of an unsigned payload.
func nonceOf(t *testing.T, rawHex string) uint64 {
	t.Helper()
	raw, err := hex.DecodeString(rawHex)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 12)
	nonceBytes := raw[len(raw)-12 : len(raw)-4]
	var n uint64
	for i := 0; i < 8; i++ {
		n |= uint64(nonceBytes[i]) << (8 * i)
	}
	return n
}

func TestAccountSubmissionsArriveInNonceOrderPerSender(t *testing.T) {
	client := &recordingRPCClient{}
	adapter := newAccountAdapter(client)

	req := BroadcastRequest{
		Currency:  "NEO",
		Inputs:    []ReservedInput{{PoolEntryID: "pool-account-1", Amount: 100}},
		ToAddress: "dest",
		Amount:    100,
	}

	const workers = 12
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.BuildAndBroadcast(context.Background(), req)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, client.submitted, workers)
	for i := 1; i < len(client.submitted); i++ {
		require.Greater(t, nonceOf(t, client.submitted[i]), nonceOf(t, client.submitted[i-1]),
			"submission %d arrived out of nonce order", i)
	}
}

// submitFailingClient fails sendrawtransaction while letting nonce
// discovery succeed.
type submitFailingClient struct {
	fail bool
}

func (c *submitFailingClient) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	if c.fail && method == "sendrawtransaction" {
		return nil, errFakeRPC
	}
	return []byte("ok"), nil
}

func TestAccountFailedSubmitReclaimsNonce(t *testing.T) {
	failing := &submitFailingClient{fail: true}
	adapter := newAccountAdapter(failing)

	req := BroadcastRequest{
		Currency:  "NEO",
		Inputs:    []ReservedInput{{PoolEntryID: "pool-account-1", Amount: 100}},
		ToAddress: "dest",
		Amount:    100,
	}
	_, err := adapter.BuildAndBroadcast(context.Background(), req)
	require.Error(t, err)

	failing.fail = false
	_, err = adapter.BuildAndBroadcast(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint64(1), adapter.nonces["pool-account-1"], "failed submit must not burn a nonce")
}

func TestChainErrorRetryableClassification(t *testing.T) {
	retryable := []ErrorKind{ErrNetwork, ErrTimeout, ErrRateLimited, ErrRejectedRetryable}
	for _, k := range retryable {
		require.True(t, NewChainError(k, "x", nil).Retryable(), string(k))
	}
	terminal := []ErrorKind{ErrRejectedTerminal, ErrUnavailable, ErrProtocol}
	for _, k := range terminal {
		require.False(t, NewChainError(k, "x", nil).Retryable(), string(k))
	}
}

func TestUTXORawTxCarriesLocktimeFloor(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	adapter := NewUTXOChainAdapter(UTXOConfig{
		Currency: "BTC",
		Client:   &fakeRPCClient{},
		Locktime: 815000,
	}, monitor)

	raw, err := adapter.buildRawTx(BroadcastRequest{
		Currency:  "BTC",
		Inputs:    []ReservedInput{{PoolEntryID: "entry-1", Amount: 1000}},
		ToAddress: "dest",
		Amount:    1000,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)

	locktime := uint32(raw[len(raw)-4]) |
		uint32(raw[len(raw)-3])<<8 |
		uint32(raw[len(raw)-2])<<16 |
		uint32(raw[len(raw)-1])<<24
	require.Equal(t, uint32(815000), locktime)
}

func TestUTXORawTxRejectsUnderfundedInputs(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	adapter := NewUTXOChainAdapter(UTXOConfig{Currency: "BTC", Client: &fakeRPCClient{}}, monitor)

	_, err := adapter.buildRawTx(BroadcastRequest{
		Currency:  "BTC",
		Inputs:    []ReservedInput{{PoolEntryID: "entry-1", Amount: 100}},
		ToAddress: "dest",
		Amount:    1000,
	})
	require.Error(t, err)
}

func TestShieldedSubmitAndPoll(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	adapter := NewShieldedChainAdapter(AccountConfig{
		Currency: "ZEC",
		Client:   &fakeRPCClient{},
	}, monitor)

	opID, err := adapter.SubmitShielded(context.Background(), BroadcastRequest{
		Currency:  "ZEC",
		ToAddress: "shielded-dest",
		Amount:    100,
	})
	require.NoError(t, err)
	require.NotEmpty(t, opID)

	handle, err := adapter.PollShielded(context.Background(), opID, 5000)
	require.NoError(t, err)
	require.Equal(t, Currency("ZEC"), handle.Currency)
}
