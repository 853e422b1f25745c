package clients

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/domain"
)

func testContract(t *testing.T) *SaleContract {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(saleContractABI))
	require.NoError(t, err)
	return &SaleContract{saleABI: parsed, l: zap.NewNop()}
}

func eventLog(t *testing.T, c *SaleContract, name string, account common.Address, values ...any) types.Log {
	t.Helper()
	ev := c.saleABI.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)
	return types.Log{
		Topics:      []common.Hash{ev.ID, common.BytesToHash(account.Bytes())},
		Data:        data,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: 42,
		Index:       3,
	}
}

func TestSaleContract_DecodePurchase(t *testing.T) {
	c := testContract(t)
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	ev, err := c.decodeEvent(eventLog(t, c, EventTokensPurchased, buyer, big.NewInt(5e17), big.NewInt(500)))
	require.NoError(t, err)

	assert.Equal(t, domain.TxKindBuy, ev.Kind)
	assert.Equal(t, buyer, ev.Account)
	assert.Equal(t, "500000000000000000", ev.AmountPaid.String())
	assert.Equal(t, "500", ev.Tokens.String())
	assert.Equal(t, uint64(42), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)
}

func TestSaleContract_DecodeClaim(t *testing.T) {
	c := testContract(t)
	claimer := common.HexToAddress("0x2222222222222222222222222222222222222222")

	ev, err := c.decodeEvent(eventLog(t, c, EventTokensClaimed, claimer, big.NewInt(77)))
	require.NoError(t, err)

	assert.Equal(t, domain.TxKindClaim, ev.Kind)
	assert.Nil(t, ev.AmountPaid)
	assert.Equal(t, "77", ev.Tokens.String())
}

func TestSaleContract_DecodeRejectsForeignLogs(t *testing.T) {
	c := testContract(t)

	_, err := c.decodeEvent(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.Error(t, err)

	_, err = c.decodeEvent(types.Log{Topics: []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}})
	assert.Error(t, err)
}

func TestRevertError(t *testing.T) {
	err := &RevertError{TxHash: common.HexToHash("0x01"), Reason: "Sale closed"}
	assert.Equal(t, "Sale closed", err.RevertReason())
	assert.Contains(t, err.Error(), "reverted: Sale closed")

	bare := &RevertError{TxHash: common.HexToHash("0x01")}
	assert.Empty(t, bare.RevertReason())
	assert.NotContains(t, bare.Error(), ":")
}

func TestNewWallet(t *testing.T) {
	// well-known development key
	const key = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	w, err := NewWallet(key)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), w.Address())

	w2, err := NewWallet(strings.TrimPrefix(key, "0x"))
	require.NoError(t, err)
	assert.Equal(t, w.Address(), w2.Address())

	_, err = NewWallet("not-a-key")
	assert.Error(t, err)
}
