package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tendervault/native/escrow"
	"tendervault/storage"
)

var (
	nodeDepositor = [20]byte{0x01}
	nodeBuyer     = [20]byte{0x02}
	nodeSeller    = [20]byte{0x03}
	nodeReceiver  = [20]byte{0x04}
)

func nodeTerms() escrow.Terms {
	return escrow.Terms{
		SellerProceeds: nodeSeller,
		Receiver:       nodeReceiver,
		AssetToken:     "ASSET",
		PaymentToken:   "PAY",
		Depositor:      nodeDepositor,
	}
}

func newTestNode(t *testing.T, assetBalance int64, opts ...NodeOption) *Node {
	t.Helper()
	node := NewNode(storage.NewMemDB(), opts...)
	require.NoError(t, node.ApplyGenesisTokens([]GenesisToken{
		{
			Symbol: "ASSET", Name: "Asset Units",
			Balances: map[[20]byte]*big.Int{nodeDepositor: big.NewInt(assetBalance)},
		},
		{
			Symbol: "PAY", Name: "Payment Units",
			Balances: map[[20]byte]*big.Int{
				nodeBuyer:     big.NewInt(1_000),
				nodeDepositor: big.NewInt(100),
			},
		},
	}))
	return node
}

func requireNodeBalance(t *testing.T, node *Node, addr [20]byte, token string, want int64) {
	t.Helper()
	balance, err := node.Balance(addr, token)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(want).String(), balance.String())
}

func TestNodeEscrowLifecycle(t *testing.T) {
	node := newTestNode(t, 100)
	terms := nodeTerms()

	rec, err := node.EscrowTender(terms, nodeDepositor, 1, 100, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rec.TotalPurchaseCost)

	status, err := node.EscrowGet(terms, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), status.TotalPurchaseCost)
	require.Equal(t, "10", status.VaultBalance.String())
	require.Equal(t, escrow.RecordAddress(terms, 1), status.RecordAddress)

	rec, err = node.EscrowPurchasePartial(terms, nodeBuyer, 1, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(60), rec.TotalPurchaseCost)
	requireNodeBalance(t, node, nodeSeller, "PAY", 40)
	requireNodeBalance(t, node, nodeReceiver, "ASSET", 4)

	rec, err = node.EscrowPurchase(terms, nodeBuyer, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.TotalPurchaseCost)
	requireNodeBalance(t, node, nodeSeller, "PAY", 100)
	requireNodeBalance(t, node, nodeReceiver, "ASSET", 10)

	_, err = node.EscrowGet(terms, 1)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestNodeCancelAndBurn(t *testing.T) {
	node := newTestNode(t, 100)
	terms := nodeTerms()

	_, err := node.EscrowTender(terms, nodeDepositor, 1, 100, 10)
	require.NoError(t, err)
	require.NoError(t, node.EscrowBurn(terms, nodeDepositor, 1, 4))

	status, err := node.EscrowGet(terms, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), status.TotalPurchaseCost)
	require.Equal(t, "6", status.VaultBalance.String())

	require.NoError(t, node.EscrowCancel(terms, nodeDepositor, 1))
	requireNodeBalance(t, node, nodeDepositor, "ASSET", 96)
	_, err = node.EscrowGet(terms, 1)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

// A failing operation must leave no trace: the first tender opens the vault
// account and charges rent on the overlay before the funding transfer runs,
// and all of it has to be discarded when the transfer fails.
func TestNodeFailedOperationLeavesNoTrace(t *testing.T) {
	node := newTestNode(t, 5, WithRentPolicy("PAY", big.NewInt(25)))
	terms := nodeTerms()

	_, err := node.EscrowTender(terms, nodeDepositor, 1, 100, 10)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)

	requireNodeBalance(t, node, nodeDepositor, "PAY", 100)
	requireNodeBalance(t, node, nodeDepositor, "ASSET", 5)
	_, err = node.EscrowGet(terms, 1)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	// A correctly sized tender afterwards starts from clean state.
	_, err = node.EscrowTender(terms, nodeDepositor, 1, 50, 5)
	require.NoError(t, err)
	requireNodeBalance(t, node, nodeDepositor, "PAY", 75)
}

func TestNodeRentRefundOnClose(t *testing.T) {
	node := newTestNode(t, 100, WithRentPolicy("PAY", big.NewInt(25)))
	terms := nodeTerms()

	_, err := node.EscrowTender(terms, nodeDepositor, 1, 100, 10)
	require.NoError(t, err)
	requireNodeBalance(t, node, nodeDepositor, "PAY", 75)

	_, err = node.EscrowPurchase(terms, nodeBuyer, 1)
	require.NoError(t, err)
	// Vault drained, escrow closed, deposit back with the depositor.
	requireNodeBalance(t, node, nodeDepositor, "PAY", 100)
}

func TestNodeGenesisIsIdempotent(t *testing.T) {
	node := newTestNode(t, 100)
	require.NoError(t, node.ApplyGenesisTokens([]GenesisToken{
		{
			Symbol: "ASSET", Name: "Asset Units",
			Balances: map[[20]byte]*big.Int{nodeDepositor: big.NewInt(999)},
		},
	}))
	// The re-run must not clobber the live balance.
	requireNodeBalance(t, node, nodeDepositor, "ASSET", 100)
}
