package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supplysphere/node/ledger"
)

func newStep() *SupplyChainStep {
	return &SupplyChainStep{
		Index:         0,
		StepType:      StepTypeRawMaterial,
		ItemID:        1,
		LogisticsID:   1,
		Quantity:      10,
		Sender:        "seller",
		Transporter:   "transporter",
		Receiver:      "manufacturer",
		ItemCost:      2005,
		LogisticsCost: 1000,
		TotalCost:     3005,
	}
}

func TestComputeStepCost(t *testing.T) {
	itemCost, logisticsCost, totalCost := ComputeStepCost(2000, 5, 1000)
	assert.Equal(t, uint64(2005), itemCost)
	assert.Equal(t, uint64(1000), logisticsCost)
	assert.Equal(t, uint64(3005), totalCost)
}

func TestComputeStepCostIgnoresQuantity(t *testing.T) {
	// the same listing priced once regardless of units moved
	a, b, total := ComputeStepCost(100, 0, 50)
	assert.Equal(t, uint64(100), a)
	assert.Equal(t, uint64(50), b)
	assert.Equal(t, uint64(150), total)
}

func TestMarkFunded(t *testing.T) {
	chain := &SupplyChain{Owner: "manufacturer"}

	require.NoError(t, chain.MarkFunded("manufacturer"))
	assert.True(t, chain.IsFunded)
	assert.True(t, chain.IsActive)
}

func TestMarkFundedRejectsNonOwner(t *testing.T) {
	chain := &SupplyChain{Owner: "manufacturer"}

	err := chain.MarkFunded("retailer")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, chain.IsFunded)
}

func TestMarkFundedRejectsDoubleFunding(t *testing.T) {
	chain := &SupplyChain{Owner: "manufacturer"}

	require.NoError(t, chain.MarkFunded("manufacturer"))
	err := chain.MarkFunded("manufacturer")
	assert.ErrorIs(t, err, ErrAlreadyFunded)
}

func TestConfirmationHappyPath(t *testing.T) {
	step := newStep()

	require.NoError(t, step.ConfirmSender("seller", true))
	require.NoError(t, step.ConfirmTransporterReceived("transporter"))
	require.NoError(t, step.ConfirmTransporterDelivered("transporter"))
	require.NoError(t, step.ConfirmReceiver("manufacturer"))

	assert.True(t, step.SenderConfirmed)
	assert.True(t, step.TransporterReceived)
	assert.True(t, step.TransporterDelivered)
	assert.True(t, step.ReceiverConfirmed)
}

func TestConfirmSenderRequiresFundedChain(t *testing.T) {
	step := newStep()

	err := step.ConfirmSender("seller", false)
	assert.ErrorIs(t, err, ErrChainNotFunded)
	assert.False(t, step.SenderConfirmed)
}

func TestConfirmationWrongCaller(t *testing.T) {
	step := newStep()

	assert.ErrorIs(t, step.ConfirmSender("transporter", true), ErrUnauthorized)
	require.NoError(t, step.ConfirmSender("seller", true))

	assert.ErrorIs(t, step.ConfirmTransporterReceived("seller"), ErrUnauthorized)
	require.NoError(t, step.ConfirmTransporterReceived("transporter"))

	assert.ErrorIs(t, step.ConfirmTransporterDelivered("manufacturer"), ErrUnauthorized)
	require.NoError(t, step.ConfirmTransporterDelivered("transporter"))

	assert.ErrorIs(t, step.ConfirmReceiver("transporter"), ErrUnauthorized)
	require.NoError(t, step.ConfirmReceiver("manufacturer"))
}

func TestConfirmationOutOfOrder(t *testing.T) {
	step := newStep()

	// nothing beyond the first stage can start early
	assert.ErrorIs(t, step.ConfirmTransporterReceived("transporter"), ErrOutOfOrder)
	assert.ErrorIs(t, step.ConfirmTransporterDelivered("transporter"), ErrOutOfOrder)
	assert.ErrorIs(t, step.ConfirmReceiver("manufacturer"), ErrOutOfOrder)

	require.NoError(t, step.ConfirmSender("seller", true))
	assert.ErrorIs(t, step.ConfirmTransporterDelivered("transporter"), ErrOutOfOrder)
	assert.ErrorIs(t, step.ConfirmReceiver("manufacturer"), ErrOutOfOrder)
}

func TestConfirmationRepeatedStage(t *testing.T) {
	step := newStep()

	require.NoError(t, step.ConfirmSender("seller", true))
	assert.ErrorIs(t, step.ConfirmSender("seller", true), ErrOutOfOrder)

	require.NoError(t, step.ConfirmTransporterReceived("transporter"))
	assert.ErrorIs(t, step.ConfirmTransporterReceived("transporter"), ErrOutOfOrder)

	require.NoError(t, step.ConfirmTransporterDelivered("transporter"))
	assert.ErrorIs(t, step.ConfirmTransporterDelivered("transporter"), ErrOutOfOrder)

	require.NoError(t, step.ConfirmReceiver("manufacturer"))
	assert.ErrorIs(t, step.ConfirmReceiver("manufacturer"), ErrOutOfOrder)
}

func TestCompleted(t *testing.T) {
	chain := &SupplyChain{Owner: "manufacturer"}
	assert.False(t, chain.Completed(), "chain without steps is never complete")

	chain.Steps = []SupplyChainStep{
		{ReceiverConfirmed: true},
		{ReceiverConfirmed: false},
	}
	assert.False(t, chain.Completed())

	chain.Steps[1].ReceiverConfirmed = true
	assert.True(t, chain.Completed())
}

func TestReleaseStepFunds(t *testing.T) {
	l := ledger.NewTokenLedger("INR")
	l.Mint("escrow", 3005)
	step := newStep()

	require.NoError(t, ReleaseStepFunds(l, "escrow", step))
	assert.Equal(t, uint64(2005), l.BalanceOf("seller"))
	assert.Equal(t, uint64(1000), l.BalanceOf("transporter"))
	assert.Equal(t, uint64(0), l.BalanceOf("escrow"))
}

func TestReleaseStepFundsRefundsFirstLegOnFailure(t *testing.T) {
	l := ledger.NewTokenLedger("INR")
	// escrow covers the item portion but not the logistics portion
	l.Mint("escrow", 2500)
	step := newStep()

	err := ReleaseStepFunds(l, "escrow", step)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// neither participant keeps anything
	assert.Equal(t, uint64(0), l.BalanceOf("seller"))
	assert.Equal(t, uint64(0), l.BalanceOf("transporter"))
	assert.Equal(t, uint64(2500), l.BalanceOf("escrow"))
}

func TestRefundStepFunds(t *testing.T) {
	l := ledger.NewTokenLedger("INR")
	l.Mint("escrow", 3005)
	step := newStep()

	require.NoError(t, ReleaseStepFunds(l, "escrow", step))
	RefundStepFunds(l, "escrow", step)

	assert.Equal(t, uint64(3005), l.BalanceOf("escrow"))
	assert.Equal(t, uint64(0), l.BalanceOf("seller"))
	assert.Equal(t, uint64(0), l.BalanceOf("transporter"))
}
