package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndTransfer(t *testing.T) {
	l := NewTokenLedger("INR")
	assert.Equal(t, "INR", l.Denom())

	l.Mint("alice", 1000)
	assert.Equal(t, uint64(1000), l.BalanceOf("alice"))
	assert.Equal(t, uint64(0), l.BalanceOf("bob"))

	require.NoError(t, l.Transfer("alice", "bob", 400))
	assert.Equal(t, uint64(600), l.BalanceOf("alice"))
	assert.Equal(t, uint64(400), l.BalanceOf("bob"))
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := NewTokenLedger("INR")
	l.Mint("alice", 100)

	err := l.Transfer("alice", "bob", 101)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// nothing moved
	assert.Equal(t, uint64(100), l.BalanceOf("alice"))
	assert.Equal(t, uint64(0), l.BalanceOf("bob"))
}

func TestApproveOverwrites(t *testing.T) {
	l := NewTokenLedger("INR")

	l.Approve("alice", "escrow", 500)
	assert.Equal(t, uint64(500), l.Allowance("alice", "escrow"))

	l.Approve("alice", "escrow", 200)
	assert.Equal(t, uint64(200), l.Allowance("alice", "escrow"))
}

func TestTransferFromDecrementsAllowance(t *testing.T) {
	l := NewTokenLedger("INR")
	l.Mint("alice", 1000)
	l.Approve("alice", "escrow", 700)

	require.NoError(t, l.TransferFrom("escrow", "alice", "escrow", 300))
	assert.Equal(t, uint64(700), l.BalanceOf("alice"))
	assert.Equal(t, uint64(300), l.BalanceOf("escrow"))
	assert.Equal(t, uint64(400), l.Allowance("alice", "escrow"))
}

func TestTransferFromWithoutApproval(t *testing.T) {
	l := NewTokenLedger("INR")
	l.Mint("alice", 1000)

	err := l.TransferFrom("escrow", "alice", "escrow", 1)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Equal(t, uint64(1000), l.BalanceOf("alice"))
}

func TestTransferFromInsufficientBalanceKeepsAllowance(t *testing.T) {
	l := NewTokenLedger("INR")
	l.Mint("alice", 100)
	l.Approve("alice", "escrow", 500)

	err := l.TransferFrom("escrow", "alice", "escrow", 200)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// the failed pull must not burn the approval
	assert.Equal(t, uint64(500), l.Allowance("alice", "escrow"))
	assert.Equal(t, uint64(100), l.BalanceOf("alice"))
}
