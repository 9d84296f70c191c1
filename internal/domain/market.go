package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/arxpredict/internal/lmsr"
	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusInactive MarketStatus = "inactive"
	MarketStatusActive   MarketStatus = "active"
	MarketStatusSettled  MarketStatus = "settled"
)

// Outcome identifies one side of a binary market.
type Outcome uint8

const (
	OutcomeA Outcome = 0
	OutcomeB Outcome = 1
)

// Valid reports whether o names one of the two outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeA || o == OutcomeB
}

func (o Outcome) String() string {
	switch o {
	case OutcomeA:
		return "A"
	case OutcomeB:
		return "B"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Market is the plaintext envelope around a market's sealed state. State is
// empty until the init computation commits.
type Market struct {
	ID                 string            `json:"id"`
	Question           string            `json:"question"`
	Options            [2]string         `json:"options"`
	Authority          string            `json:"authority"`
	LiquidityParameter uint64            `json:"liquidity_parameter"`
	ShareUnit          uint64            `json:"share_unit"`
	PayoutPerShare     uint64            `json:"payout_per_share"`
	TokenDecimals      uint8             `json:"token_decimals"`
	Status             MarketStatus      `json:"status"`
	WinningOutcome     *Outcome          `json:"winning_outcome,omitempty"`
	State              sealed.Ciphertext `json:"-"`
	RevealedProbs      [2]float64        `json:"revealed_probs"`
	RevealedTally      [2]uint64         `json:"revealed_tally"`
	RevealedAt         *time.Time        `json:"revealed_at,omitempty"`
	LastRevealRequest  *time.Time        `json:"last_reveal_request,omitempty"`
	FinalRevealed      bool              `json:"final_revealed"`
	RewardsClaimed     uint64            `json:"rewards_claimed"`
	FundsClaimed       bool              `json:"funds_claimed"`
	SettledAt          *time.Time        `json:"settled_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Params returns the pricing constants fixed at creation.
func (m Market) Params() lmsr.Params {
	return lmsr.Params{Liquidity: m.LiquidityParameter, ShareUnit: m.ShareUnit}
}

// Address is the account address the market's sealed state is bound to.
func (m Market) Address() string {
	return MarketAddress(m.ID)
}

// Vault is the token account holding the market's collateral.
func (m Market) Vault() string {
	return VaultAccount(m.ID)
}

// MarketAddress returns the account address of a market.
func MarketAddress(id string) string {
	return "market:" + id
}

// PositionAddress returns the account address of a participant's position.
func PositionAddress(marketID, owner string) string {
	return "position:" + marketID + ":" + NormalizeAddress(owner)
}

// VaultAccount returns the token account of a market vault.
func VaultAccount(marketID string) string {
	return "vault:" + marketID
}

// WalletAccount returns the token account mirroring a participant wallet.
func WalletAccount(owner string) string {
	return "wallet:" + NormalizeAddress(owner)
}

// NormalizeAddress lower-cases a hex address so lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
