// Package orderfsm holds the pure trade-in order state machine.
package orderfsm

import (
	"context"
	"errors"
	"strings"

	"refit/pkg/quote"
)

type Status string

const (
	Created         Status = "created"
	PendingShipment Status = "pending_shipment"
	Shipped         Status = "shipped"
	Received        Status = "received"
	Inspected       Status = "inspected"
	Completed       Status = "completed"
	Rejected        Status = "rejected"

	// PaymentFailed is recorded in history only; the order stays inspected.
	PaymentFailed Status = "payment_failed"
)

type PaymentStatus string

const (
	PaymentNone       PaymentStatus = ""
	PaymentProcessing PaymentStatus = "processing"
	PaymentFailedSt   PaymentStatus = "failed"
	PaymentCompleted  PaymentStatus = "completed"
)

var ErrInvalidTransition = errors.New("invalid order transition")

type Event string

const (
	EventAwaitShipment Event = "await_shipment"
	EventShip          Event = "ship"
	EventReceive       Event = "receive"
	EventInspect       Event = "inspect"
	EventPay           Event = "pay"
	EventReject        Event = "reject"
)

func CanTransition(from, to Status) bool {
	if to == Rejected {
		return !IsTerminal(from) && Known(from)
	}
	switch from {
	case Created:
		return to == PendingShipment || to == Shipped
	case PendingShipment:
		return to == Shipped
	case Shipped:
		return to == Received
	case Received:
		return to == Inspected
	case Inspected:
		return to == Completed
	default:
		return false
	}
}

func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from Status, event Event) (Status, error) {
	switch event {
	case EventAwaitShipment:
		return Transition(from, PendingShipment)
	case EventShip:
		return Transition(from, Shipped)
	case EventReceive:
		return Transition(from, Received)
	case EventInspect:
		return Transition(from, Inspected)
	case EventPay:
		return Transition(from, Completed)
	case EventReject:
		return Transition(from, Rejected)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(s Status) bool {
	return s == Completed || s == Rejected
}

func Known(s Status) bool {
	switch s {
	case Created, PendingShipment, Shipped, Received, Inspected, Completed, Rejected:
		return true
	}
	return false
}

// Payable reports whether a payout may be claimed for an order in this
// combination of states.
func Payable(s Status, approved bool, ps PaymentStatus) bool {
	return s == Inspected && approved && (ps == PaymentNone || ps == PaymentFailedSt)
}

// ConditionPolicy decides whether an inspected grade honors the quote.
type ConditionPolicy string

const (
	PolicyExact   ConditionPolicy = "exact"
	PolicyAtLeast ConditionPolicy = "at_least"
)

func (p ConditionPolicy) Approves(quoted, inspected string) bool {
	q := strings.ToLower(strings.TrimSpace(quoted))
	i := strings.ToLower(strings.TrimSpace(inspected))
	if q == "" || i == "" {
		return false
	}
	if p == PolicyAtLeast {
		qr, ir := quote.GradeRank(q), quote.GradeRank(i)
		return qr > 0 && ir > 0 && ir >= qr
	}
	return q == i
}

// ExecuteWithCompensation runs execute and, when it fails, compensate. The
// compensation error is joined so callers see both.
func ExecuteWithCompensation(ctx context.Context, execute func(context.Context) error, compensate func(context.Context, error) error) error {
	if execute == nil {
		return errors.New("execute missing")
	}
	err := execute(ctx)
	if err == nil {
		return nil
	}
	if compensate != nil {
		if cerr := compensate(ctx, err); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}
