package circuit

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/arxpredict/internal/lmsr"
)

// ErrDecode is returned when a plaintext record cannot be decoded.
var ErrDecode = errors.New("circuit: decode record")

// MarketStats is the confidential market record: per-outcome tallies, the
// implied probabilities and the current cost function value.
type MarketStats struct {
	Tally lmsr.Tally
	Probs lmsr.Probabilities
	Cost  float64
}

// Position holds a participant's per-outcome shares.
type Position struct {
	Shares [lmsr.NumOutcomes]uint64
}

// Vote is the participant's outcome selector, encrypted for the cluster.
type Vote struct {
	Outcome uint8
}

// Field layout: fixed64 values in declaration order.
const (
	fieldTally0 protowire.Number = 1
	fieldTally1 protowire.Number = 2
	fieldProb0  protowire.Number = 3
	fieldProb1  protowire.Number = 4
	fieldCost   protowire.Number = 5
)

func appendFixed(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// consumeFixed decodes a sequence of fixed64 fields into out, indexed by
// field number minus one.
func consumeFixed(b []byte, out []uint64) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.Fixed64Type {
			return fmt.Errorf("%w: field %d has wire type %d", ErrDecode, num, typ)
		}
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		if int(num) < 1 || int(num) > len(out) {
			return fmt.Errorf("%w: unexpected field %d", ErrDecode, num)
		}
		out[num-1] = v
	}
	return nil
}

// Marshal encodes m. Floats are stored as their IEEE-754 bits so decoding
// is exact.
func (m MarketStats) Marshal() []byte {
	b := make([]byte, 0, 45)
	b = appendFixed(b, fieldTally0, m.Tally[0])
	b = appendFixed(b, fieldTally1, m.Tally[1])
	b = appendFixed(b, fieldProb0, math.Float64bits(m.Probs[0]))
	b = appendFixed(b, fieldProb1, math.Float64bits(m.Probs[1]))
	b = appendFixed(b, fieldCost, math.Float64bits(m.Cost))
	return b
}

// UnmarshalMarketStats decodes a record written by MarketStats.Marshal.
func UnmarshalMarketStats(b []byte) (MarketStats, error) {
	var f [5]uint64
	if err := consumeFixed(b, f[:]); err != nil {
		return MarketStats{}, err
	}
	return MarketStats{
		Tally: lmsr.Tally{f[0], f[1]},
		Probs: lmsr.Probabilities{math.Float64frombits(f[2]), math.Float64frombits(f[3])},
		Cost:  math.Float64frombits(f[4]),
	}, nil
}

// Marshal encodes p.
func (p Position) Marshal() []byte {
	b := make([]byte, 0, 18)
	b = appendFixed(b, 1, p.Shares[0])
	b = appendFixed(b, 2, p.Shares[1])
	return b
}

// UnmarshalPosition decodes a record written by Position.Marshal.
func UnmarshalPosition(b []byte) (Position, error) {
	var f [2]uint64
	if err := consumeFixed(b, f[:]); err != nil {
		return Position{}, err
	}
	return Position{Shares: [2]uint64{f[0], f[1]}}, nil
}

// Marshal encodes v.
func (v Vote) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v.Outcome))
}

// UnmarshalVote decodes a record written by Vote.Marshal.
func UnmarshalVote(b []byte) (Vote, error) {
	var v Vote
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != 1 || typ != protowire.VarintType {
			return Vote{}, fmt.Errorf("%w: vote tag", ErrDecode)
		}
		b = b[n:]
		x, n := protowire.ConsumeVarint(b)
		if n < 0 || x > math.MaxUint8 {
			return Vote{}, fmt.Errorf("%w: vote value", ErrDecode)
		}
		b = b[n:]
		v.Outcome = uint8(x)
	}
	return v, nil
}
