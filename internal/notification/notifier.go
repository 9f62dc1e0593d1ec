// Package notification pushes balance changes to users. Delivery is best
// effort and never affects a settlement.
package notification

import (
	"context"
	"time"
)

const EventBalanceUpdated = "balance-updated"

// Event is the payload delivered to a user's real-time channel.
type Event struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	Balance      int64     `json:"balance"`
	CreditsSpent int64     `json:"credits_spent"`
	Timestamp    time.Time `json:"timestamp"`
}

func BalanceUpdated(userID string, balance, creditsSpent int64, at time.Time) Event {
	return Event{
		Type:         EventBalanceUpdated,
		UserID:       userID,
		Balance:      balance,
		CreditsSpent: creditsSpent,
		Timestamp:    at.UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, userID string, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID string, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, userID string, event Event) error {
	return f(ctx, userID, event)
}
