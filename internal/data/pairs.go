package data

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/rand"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/rules"
)

// GenerateStats counts what happened to the plies of a game
type GenerateStats struct {
	Plies         int
	Pairs         int
	ForcedSkipped int
}

// Add accumulates other into s
func (s *GenerateStats) Add(other GenerateStats) {
	s.Plies += other.Plies
	s.Pairs += other.Pairs
	s.ForcedSkipped += other.ForcedSkipped
}

// PairGenerator turns each played move of a game into a (negative,
// positive) sample pair: the position after a random other legal move, then
// the position after the move actually played. Not safe for concurrent use.
type PairGenerator struct {
	scheme *encoding.Scheme
	engine rules.Engine
	rng    *rand.Rand
}

// NewPairGenerator creates a generator with an explicit seed
func NewPairGenerator(scheme *encoding.Scheme, engine rules.Engine, seed uint64) *PairGenerator {
	if scheme == nil {
		scheme = encoding.V1
	}
	return &PairGenerator{
		scheme: scheme,
		engine: engine,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Reseed resets the random source
func (g *PairGenerator) Reseed(seed uint64) {
	g.rng.Seed(seed)
}

// GameSeed derives the seed for one game so that results do not depend on
// which worker handles it
func GameSeed(base uint64, index int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], base)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(index))
	return xxhash.Sum64(buf[:])
}

// Generate plays through the game and returns one pair per non-forced ply.
// A move that is not legal where it is played aborts with
// rules.ErrIllegalMove; a broken undo aborts with rules.ErrBoardCorrupted.
func (g *PairGenerator) Generate(game GameRecord) ([]encoding.SamplePair, GenerateStats, error) {
	var stats GenerateStats
	board, err := rules.Open(g.engine, game.StartFEN)
	if err != nil {
		return nil, stats, fmt.Errorf("game %d: %w", game.Index, err)
	}

	pairs := make([]encoding.SamplePair, 0, len(game.Moves))
	for ply, played := range game.Moves {
		stats.Plies++
		legal := board.LegalMoves()
		if !rules.ContainsMove(legal, played) {
			return pairs, stats, fmt.Errorf("game %d ply %d (%s): %w", game.Index, ply+1, played, rules.ErrIllegalMove)
		}

		if len(legal) == 1 {
			stats.ForcedSkipped++
		} else {
			alt := g.alternative(legal, played)

			neg, err := g.encodeAfter(board, alt, encoding.LabelNegative)
			if err != nil {
				return pairs, stats, fmt.Errorf("game %d ply %d: %w", game.Index, ply+1, err)
			}
			pos, err := g.encodeAfter(board, played, encoding.LabelPositive)
			if err != nil {
				return pairs, stats, fmt.Errorf("game %d ply %d: %w", game.Index, ply+1, err)
			}
			pairs = append(pairs, encoding.SamplePair{Negative: neg, Positive: pos})
			stats.Pairs++
		}

		if err := board.Push(played); err != nil {
			return pairs, stats, fmt.Errorf("game %d ply %d: %w", game.Index, ply+1, err)
		}
	}
	return pairs, stats, nil
}

// alternative picks uniformly among legal moves other than played
func (g *PairGenerator) alternative(legal []rules.Move, played rules.Move) rules.Move {
	k := g.rng.Intn(len(legal) - 1)
	for _, m := range legal {
		if m == played {
			continue
		}
		if k == 0 {
			return m
		}
		k--
	}
	panic("unreachable: played move not in legal list")
}

func (g *PairGenerator) encodeAfter(board rules.Board, m rules.Move, label uint8) (encoding.Sample, error) {
	s := encoding.Sample{Label: label}
	err := rules.Peek(board, m, func(b rules.Board) error {
		var err error
		s.Board, s.Extra, err = g.scheme.Encode(b)
		return err
	})
	if err != nil {
		return encoding.Sample{}, err
	}
	return s, nil
}
