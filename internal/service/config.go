package service

import (
	"time"

	"github.com/alanyoungcy/arxpredict/internal/lmsr"
)

// Config holds the market rules every service enforces.
type Config struct {
	// MinLiquidity is the exclusive lower bound on the liquidity parameter.
	MinLiquidity      uint64
	ShareUnit         uint64
	PayoutPerShare    uint64
	TokenDecimals     uint8
	RevealInterval    time.Duration
	MaxQuestionLength int
	MaxOptionLength   int
}

// DefaultConfig returns the production market rules.
func DefaultConfig() Config {
	return Config{
		MinLiquidity:      10,
		ShareUnit:         lmsr.DefaultShareUnit,
		PayoutPerShare:    1_000_000,
		TokenDecimals:     6,
		RevealInterval:    60 * time.Second,
		MaxQuestionLength: 50,
		MaxOptionLength:   20,
	}
}
