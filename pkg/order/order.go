// Package order runs trade-in orders through inspection and payout on top
// of the pure state machine in orderfsm.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"refit/pkg/audit"
	"refit/pkg/orderfsm"
)

type Device struct {
	ModelID     string `json:"modelId"`
	StorageTier string `json:"storageTier"`
	CarrierTier string `json:"carrierTier"`
}

// QuoteRef is the part of the signed quote the order keeps.
type QuoteRef struct {
	QuoteID        string           `json:"quoteId"`
	ConditionGrade string           `json:"conditionGrade"`
	USDPrice       decimal.Decimal  `json:"usdPrice"`
	SOLPrice       *decimal.Decimal `json:"solPrice,omitempty"`
}

type Order struct {
	ID                  string                 `json:"id"`
	WalletAddress       string                 `json:"walletAddress,omitempty"`
	Device              Device                 `json:"device"`
	Quote               QuoteRef               `json:"quote"`
	Status              orderfsm.Status        `json:"status"`
	History             []audit.Entry          `json:"statusHistory"`
	InspectionCondition string                 `json:"inspectionCondition,omitempty"`
	InspectionApproved  *bool                  `json:"inspectionApproved,omitempty"`
	PaymentStatus       orderfsm.PaymentStatus `json:"paymentStatus"`
	PaymentTxHash       string                 `json:"paymentTxHash,omitempty"`
	PaymentAmount       *decimal.Decimal       `json:"paymentAmount,omitempty"`
	DepositTxSignature  string                 `json:"depositTxSignature,omitempty"`
	DepositVerified     bool                   `json:"depositVerified"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

func (o *Order) Approved() bool { return o.InspectionApproved != nil && *o.InspectionApproved }

// Actor is who asked for a change. Addr is the client address and is
// hashed before it reaches history when redaction is on.
type Actor struct {
	ID   string
	Addr string
}

// Event is published for every recorded history entry.
type Event struct {
	OrderID string          `json:"orderId"`
	From    orderfsm.Status `json:"from"`
	To      orderfsm.Status `json:"to"`
	Actor   string          `json:"actor"`
	Notes   string          `json:"notes,omitempty"`
	At      time.Time       `json:"at"`
}

// Settled describes a completed payout; consumers (inventory, event bus)
// are best-effort.
type Settled struct {
	OrderID        string          `json:"orderId"`
	WalletAddress  string          `json:"walletAddress"`
	Device         Device          `json:"device"`
	ConditionGrade string          `json:"conditionGrade"`
	Amount         decimal.Decimal `json:"amount"`
	TxSignature    string          `json:"txSignature"`
	SettledAt      time.Time       `json:"settledAt"`
}
