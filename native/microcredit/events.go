package microcredit

import (
	"encoding/hex"

	"microlend/core/events"
	"microlend/core/types"
)

const (
	// EventTypeManagerAdded is emitted for each manager registered by the owner.
	EventTypeManagerAdded = "microcredit.manager.added"
	// EventTypeManagerRemoved is emitted for each manager removed by the owner.
	EventTypeManagerRemoved = "microcredit.manager.removed"
	// EventTypeLoanAdded is emitted when a manager issues a loan.
	EventTypeLoanAdded = "microcredit.loan.added"
	// EventTypeLoanClaimed is emitted when a borrower claims their loan.
	EventTypeLoanClaimed = "microcredit.loan.claimed"
	// EventTypeLoanCanceled is emitted when a manager cancels an unclaimed loan.
	EventTypeLoanCanceled = "microcredit.loan.canceled"
	// EventTypeRepaymentAdded is emitted for every accepted repayment.
	EventTypeRepaymentAdded = "microcredit.repayment.added"
	// EventTypeWalletMigrated is emitted when an identity moves to a new address.
	EventTypeWalletMigrated = "microcredit.wallet.migrated"
	// EventTypeManagerChanged is emitted when a loan is reassigned to another manager.
	EventTypeManagerChanged = "microcredit.loan.managerChanged"
	// EventTypeRevenueUpdated is emitted when the owner changes the revenue sink.
	EventTypeRevenueUpdated = "microcredit.revenue.updated"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func hexAddr(addr Address) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func managerAddedEvent(manager string, limit string) *types.Event {
	return &types.Event{
		Type: EventTypeManagerAdded,
		Attributes: map[string]string{
			"manager": manager,
			"limit":   limit,
		},
	}
}

func managerRemovedEvent(manager string) *types.Event {
	return &types.Event{
		Type: EventTypeManagerRemoved,
		Attributes: map[string]string{
			"manager": manager,
		},
	}
}

func loanAddedEvent(borrower string, index, principal, period, dailyInterest, claimDeadline string) *types.Event {
	return &types.Event{
		Type: EventTypeLoanAdded,
		Attributes: map[string]string{
			"borrower":      borrower,
			"index":         index,
			"principal":     principal,
			"period":        period,
			"dailyInterest": dailyInterest,
			"claimDeadline": claimDeadline,
		},
	}
}

func loanClaimedEvent(borrower string, index string) *types.Event {
	return &types.Event{
		Type: EventTypeLoanClaimed,
		Attributes: map[string]string{
			"borrower": borrower,
			"index":    index,
		},
	}
}

func loanCanceledEvent(borrower string, index string) *types.Event {
	return &types.Event{
		Type: EventTypeLoanCanceled,
		Attributes: map[string]string{
			"borrower": borrower,
			"index":    index,
		},
	}
}

func repaymentAddedEvent(borrower string, index, amount, remainingDebt string) *types.Event {
	return &types.Event{
		Type: EventTypeRepaymentAdded,
		Attributes: map[string]string{
			"borrower":      borrower,
			"index":         index,
			"amount":        amount,
			"remainingDebt": remainingDebt,
		},
	}
}

func walletMigratedEvent(from, to string) *types.Event {
	return &types.Event{
		Type: EventTypeWalletMigrated,
		Attributes: map[string]string{
			"from": from,
			"to":   to,
		},
	}
}

func managerChangedEvent(borrower string, index, manager string) *types.Event {
	return &types.Event{
		Type: EventTypeManagerChanged,
		Attributes: map[string]string{
			"borrower": borrower,
			"index":    index,
			"manager":  manager,
		},
	}
}

func revenueUpdatedEvent(revenue string) *types.Event {
	return &types.Event{
		Type: EventTypeRevenueUpdated,
		Attributes: map[string]string{
			"revenue": revenue,
		},
	}
}
