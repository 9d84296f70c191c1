package mxe

import (
	"github.com/alanyoungcy/arxpredict/internal/circuit"
	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// EncryptVote seals an outcome selector for the cluster public key. This is
// what a participant's client sends as the vote argument of a trade.
func EncryptVote(clusterKey [32]byte, outcome uint8) ([]byte, error) {
	sc, err := sealed.SealShared(clusterKey, circuit.Vote{Outcome: outcome}.Marshal())
	if err != nil {
		return nil, err
	}
	return sc.MarshalBinary()
}
