package chain

import (
	"context"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// LocalTEESigner implements TEESigner using a locally available private key.
// It is primarily intended for local development/testing or transitional setups.
type LocalTEESigner struct {
	account *wallet.Account
}

// NewLocalTEESignerFromPrivateKeyHex constructs a local signer from a hex-encoded private key.
func NewLocalTEESignerFromPrivateKeyHex(privateKeyHex string) (*LocalTEESigner, error) {
	priv, err := keys.NewPrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &LocalTEESigner{account: wallet.NewAccountFromPrivateKey(priv)}, nil
}

func (s *LocalTEESigner) ScriptHash() util.Uint160 {
	if s == nil || s.account == nil {
		return util.Uint160{}
	}
	return s.account.ScriptHash()
}

func (s *LocalTEESigner) GetVerificationScript() []byte {
	if s == nil || s.account == nil {
		return nil
	}
	return s.account.GetVerificationScript()
}

func (s *LocalTEESigner) SignTx(net netmode.Magic, tx *transaction.Transaction) error {
	if s == nil || s.account == nil {
		return fmt.Errorf("local signer account not configured")
	}
	return s.account.SignTx(net, tx)
}

func (s *LocalTEESigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	if s == nil || s.account == nil {
		return nil, fmt.Errorf("local signer account not configured")
	}
	return s.account.PrivateKey().Sign(data), nil
}
