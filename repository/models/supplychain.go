package models

import (
	"errors"

	"github.com/supplysphere/node/ledger"
)

// Domain errors surfaced by the confirmation state machine. The
// repository maps these onto its error codes.
var (
	ErrUnauthorized   = errors.New("caller is not the required participant")
	ErrOutOfOrder     = errors.New("confirmation attempted out of order")
	ErrChainNotFunded = errors.New("chain is not funded")
	ErrAlreadyFunded  = errors.New("chain is already funded")
)

// SupplyChainStep is one hop of a chain: a quantity of a catalog item
// moving from sender to receiver through a transporter. The cost
// components are frozen at chain creation and never recomputed, even if
// the underlying listings change or disappear.
type SupplyChainStep struct {
	ID          uint   `gorm:"column:step_id;primaryKey" json:"-"`
	ChainID     uint   `gorm:"column:chain_id;index;not null" json:"-"`
	Index       int    `gorm:"column:step_index;not null" json:"index"`
	StepType    string `gorm:"column:step_type;type:varchar(20);not null" json:"step_type"`
	ItemID      uint   `gorm:"column:item_id;not null" json:"item_id"`
	LogisticsID uint   `gorm:"column:logistics_id;not null" json:"logistics_id"`
	Quantity    uint64 `gorm:"column:quantity;not null" json:"quantity"`

	Sender      string `gorm:"column:sender;type:varchar(100);not null" json:"sender"`
	Transporter string `gorm:"column:transporter;type:varchar(100);not null" json:"transporter"`
	Receiver    string `gorm:"column:receiver;type:varchar(100);not null" json:"receiver"`

	// ItemCost goes to the sender on completion, LogisticsCost to the
	// transporter. TotalCost is their sum.
	ItemCost      uint64 `gorm:"column:item_cost;not null" json:"item_cost"`
	LogisticsCost uint64 `gorm:"column:logistics_cost;not null" json:"logistics_cost"`
	TotalCost     uint64 `gorm:"column:total_cost;not null" json:"total_cost"`

	// Confirmation flags, each monotone false -> true, set strictly in
	// declaration order.
	SenderConfirmed      bool `gorm:"column:sender_confirmed;not null;default:false" json:"sender_confirmed"`
	TransporterReceived  bool `gorm:"column:transporter_received;not null;default:false" json:"transporter_received"`
	TransporterDelivered bool `gorm:"column:transporter_delivered;not null;default:false" json:"transporter_delivered"`
	ReceiverConfirmed    bool `gorm:"column:receiver_confirmed;not null;default:false" json:"receiver_confirmed"`
}

// SupplyChain is an ordered sequence of steps owned by a manufacturer.
// Once created it is append-only history; it is funded exactly once.
type SupplyChain struct {
	ID                uint              `gorm:"column:chain_id;primaryKey" json:"id"`
	Name              string            `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Description       string            `gorm:"column:description;type:text" json:"description"`
	Owner             string            `gorm:"column:owner;type:varchar(100);index;not null" json:"owner"`
	TotalFundedAmount uint64            `gorm:"column:total_funded_amount;not null" json:"total_funded_amount"`
	IsFunded          bool              `gorm:"column:is_funded;not null;default:false" json:"is_funded"`
	IsActive          bool              `gorm:"column:is_active;not null;default:false" json:"is_active"`
	Steps             []SupplyChainStep `gorm:"foreignKey:ChainID" json:"steps"`
}

// ComputeStepCost freezes the cost components of a step: the item portion
// is the listing price plus its flat tax, the logistics portion is the
// shipping offer price. Quantity does not enter the computation.
func ComputeStepCost(itemPrice, itemTax, logisticsPrice uint64) (itemCost, logisticsCost, totalCost uint64) {
	itemCost = itemPrice + itemTax
	logisticsCost = logisticsPrice
	return itemCost, logisticsCost, itemCost + logisticsCost
}

// MarkFunded transitions the chain to funded+active. Only the owner may
// fund, and only once.
func (c *SupplyChain) MarkFunded(caller string) error {
	if caller != c.Owner {
		return ErrUnauthorized
	}
	if c.IsFunded {
		return ErrAlreadyFunded
	}
	c.IsFunded = true
	c.IsActive = true
	return nil
}

// Completed reports whether every step has reached receiver confirmation.
// The chain keeps IsActive once funded; completion is derived, not stored.
func (c *SupplyChain) Completed() bool {
	if len(c.Steps) == 0 {
		return false
	}
	for i := range c.Steps {
		if !c.Steps[i].ReceiverConfirmed {
			return false
		}
	}
	return true
}

// ConfirmSender records the sender's attestation that the items left
// their hands. Requires a funded chain and an unconfirmed step.
func (s *SupplyChainStep) ConfirmSender(caller string, chainFunded bool) error {
	if caller != s.Sender {
		return ErrUnauthorized
	}
	if !chainFunded {
		return ErrChainNotFunded
	}
	if s.SenderConfirmed {
		return ErrOutOfOrder
	}
	s.SenderConfirmed = true
	return nil
}

// ConfirmTransporterReceived records pickup by the transporter.
func (s *SupplyChainStep) ConfirmTransporterReceived(caller string) error {
	if caller != s.Transporter {
		return ErrUnauthorized
	}
	if !s.SenderConfirmed || s.TransporterReceived {
		return ErrOutOfOrder
	}
	s.TransporterReceived = true
	return nil
}

// ConfirmTransporterDelivered records drop-off at the receiver.
func (s *SupplyChainStep) ConfirmTransporterDelivered(caller string) error {
	if caller != s.Transporter {
		return ErrUnauthorized
	}
	if !s.TransporterReceived || s.TransporterDelivered {
		return ErrOutOfOrder
	}
	s.TransporterDelivered = true
	return nil
}

// ConfirmReceiver records the receiver's attestation. The caller is
// responsible for releasing funds in the same unit of work; a failed
// release must discard this flag.
func (s *SupplyChainStep) ConfirmReceiver(caller string) error {
	if caller != s.Receiver {
		return ErrUnauthorized
	}
	if !s.TransporterDelivered || s.ReceiverConfirmed {
		return ErrOutOfOrder
	}
	s.ReceiverConfirmed = true
	return nil
}

// ReleaseStepFunds pays the frozen cost components out of the escrow
// account: the item portion to the sender, the logistics portion to the
// transporter. Either both transfers apply or neither; a failing second
// leg refunds the first before reporting the error.
func ReleaseStepFunds(l ledger.Ledger, escrowAccount string, step *SupplyChainStep) error {
	if err := l.Transfer(escrowAccount, step.Sender, step.ItemCost); err != nil {
		return err
	}
	if err := l.Transfer(escrowAccount, step.Transporter, step.LogisticsCost); err != nil {
		// the sender just received ItemCost, so the refund cannot fail
		_ = l.Transfer(step.Sender, escrowAccount, step.ItemCost)
		return err
	}
	return nil
}

// RefundStepFunds reverses a completed release. Used when the surrounding
// database transaction fails to commit after payment.
func RefundStepFunds(l ledger.Ledger, escrowAccount string, step *SupplyChainStep) {
	_ = l.Transfer(step.Sender, escrowAccount, step.ItemCost)
	_ = l.Transfer(step.Transporter, escrowAccount, step.LogisticsCost)
}
