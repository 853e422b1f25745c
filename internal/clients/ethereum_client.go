package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Wallet is the signing side of a session: one private key and the account derived from it.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet parses a hex private key, with or without the 0x prefix.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	return &Wallet{key: privateKey, address: crypto.PubkeyToAddress(*pub)}, nil
}

func (w *Wallet) Address() common.Address       { return w.address }
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey { return w.key }

// Transactor returns signing options bound to chainID.
func (w *Wallet) Transactor(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "create transactor")
	}
	opts.Context = ctx
	return opts, nil
}

// DialEthereum connects to rpcURL and verifies the node answers eth_chainId.
// When the primary endpoint is unusable and fallbackURL is set, the fallback is used instead.
// The URL actually used is returned alongside the client.
func DialEthereum(ctx context.Context, rpcURL, fallbackURL string, l *zap.Logger) (*ethclient.Client, string, error) {
	if l == nil {
		l = zap.NewNop()
	}

	var lastErr error
	for _, url := range []string{rpcURL, fallbackURL} {
		if url == "" {
			continue
		}

		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			l.Warn("failed to dial rpc endpoint", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}

		if _, err := client.ChainID(ctx); err != nil {
			l.Warn("rpc endpoint does not answer chain id", zap.String("url", url), zap.Error(err))
			client.Close()
			lastErr = err
			continue
		}

		return client, url, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no rpc endpoint configured")
	}
	return nil, "", errors.Wrap(lastErr, "dial ethereum node")
}
