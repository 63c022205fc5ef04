package shard

import (
	"golang.org/x/exp/rand"

	"github.com/thyrook/chessnet/internal/encoding"
)

// ShufflePairs permutes whole pairs in place. The negative/positive order
// inside each pair is never changed, so the flattened sequence keeps every
// negative immediately before its positive.
func ShufflePairs(pairs []encoding.SamplePair, rng *rand.Rand) {
	rng.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})
}
