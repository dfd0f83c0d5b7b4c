package chainfacade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

type fakeRPCClient struct {
	fail bool
}

func (f *fakeRPCClient) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	if f.fail {
		return nil, errFakeRPC
	}
	return []byte("txid-" + method), nil
}

var errFakeRPC = &ChainError{Kind: ErrNetwork, Message: "fake transport failure"}

func newTestRegistry() (*Registry, *fakeRPCClient) {
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	registry := NewRegistry(monitor)
	client := &fakeRPCClient{}
	adapter := NewUTXOChainAdapter(UTXOConfig{
		Currency:              "BTC",
		Client:                client,
		FeeTable:              FeeRateTable{6: 5.0, 144: 1.0},
		ConfirmationsRequired: 2,
	}, monitor)
	registry.Register(adapter)
	return registry, client
}

func TestRegistryDispatchesToRegisteredAdapter(t *testing.T) {
	registry, _ := newTestRegistry()
	addr, keyHandle, err := registry.ProvisionDepositAddress(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	require.NotEmpty(t, keyHandle)
}

func TestRegistryReturnsErrorForUnknownCurrency(t *testing.T) {
	registry, _ := newTestRegistry()
	_, _, err := registry.ProvisionDepositAddress(context.Background(), "DOGE")
	require.Error(t, err)
}

func TestRegistryRecordsHealthOnBroadcastOutcome(t *testing.T) {
	registry, client := newTestRegistry()

	var nonce [16]byte
	req := BroadcastRequest{
		Currency:  "BTC",
		Inputs:    []ReservedInput{{PoolEntryID: "utxo-1", Amount: 1000}},
		ToAddress: "dest",
		Amount:    500,
		Nonce:     nonce,
	}

	handle, err := registry.BuildAndBroadcast(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, BroadcastSubmitted, handle.Status)
	require.Equal(t, health.StatusUnknown, registry.Health().Snapshot("BTC").Status)

	client.fail = true
	for i := 0; i < 3; i++ {
		_, _ = registry.BuildAndBroadcast(context.Background(), req)
	}
	require.Equal(t, health.StatusFailed, registry.Health().Snapshot("BTC").Status)
}

func TestRegistryValidateAddressDelegatesToAdapter(t *testing.T) {
	registry, _ := newTestRegistry()
	require.True(t, registry.ValidateAddress("BTC", "3FZbgi29cpjq2GjdwV8eyHuJJnkLtktZc5"))
	require.False(t, registry.ValidateAddress("DOGE", "anything"))
}

func TestRegistryCurrenciesListsRegisteredAdapters(t *testing.T) {
	registry, _ := newTestRegistry()
	require.ElementsMatch(t, []Currency{"BTC"}, registry.Currencies())
}
