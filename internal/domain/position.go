package domain

import (
	"time"

	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// UserPosition is a participant's stake in one market. Shares live only in
// the sealed State; Balance is the plaintext token amount owed to the
// participant from sells and rewards, held in the market vault until
// withdrawn.
type UserPosition struct {
	MarketID  string            `json:"market_id"`
	Owner     string            `json:"owner"`
	State     sealed.Ciphertext `json:"-"`
	Balance   uint64            `json:"balance"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Address is the account address the position's sealed state is bound to.
func (p UserPosition) Address() string {
	return PositionAddress(p.MarketID, p.Owner)
}

// Initialized reports whether the init computation has committed.
func (p UserPosition) Initialized() bool {
	return !p.State.Empty()
}
