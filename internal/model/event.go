package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventKind names a committed engine action.
type EventKind string

const (
	EventAllocationsSet      EventKind = "allocations_set"
	EventPricesRefreshed     EventKind = "prices_refreshed"
	EventQueuesBuilt         EventKind = "queues_built"
	EventLiquidated          EventKind = "liquidated"
	EventPurchased           EventKind = "purchased"
	EventReserved            EventKind = "reserved"
	EventReleased            EventKind = "released"
	EventReservationCanceled EventKind = "reservation_canceled"
	EventInvestmentAssetSet  EventKind = "investment_asset_set"
	EventInvestmentRemoved   EventKind = "investment_removed"
	EventSampled             EventKind = "sampled"
	EventDetermined          EventKind = "determined"
	EventBought              EventKind = "bought"
	EventSold                EventKind = "sold"
	EventDeposited           EventKind = "deposited"
	EventRedeemRequested     EventKind = "redeem_requested"
	EventRedeemAuthorized    EventKind = "redeem_authorized"
	EventRedeemed            EventKind = "redeemed"
	EventPaused              EventKind = "paused"
	EventUnpaused            EventKind = "unpaused"
)

// Event is an immutable journal entry. Once committed it is never modified
// or deleted.
type Event struct {
	ID     string       `json:"id"`
	Kind   EventKind    `json:"kind"`
	Asset  AssetID      `json:"asset,omitempty"`
	User   string       `json:"user,omitempty"`
	Amount *uint256.Int `json:"amount,omitempty"`
	Detail string       `json:"detail,omitempty"`
	At     time.Time    `json:"at"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(kind EventKind, at time.Time) Event {
	return Event{ID: uuid.New().String(), Kind: kind, At: at}
}
