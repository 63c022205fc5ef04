// Package decision turns model scores into move choices: every legal move is
// played on a scratch basis, the resulting positions are scored in one batch
// and the scores are normalized into a distribution over moves.
package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/rules"
)

var (
	ErrNoLegalMoves           = errors.New("no legal moves")
	ErrDegenerateDistribution = errors.New("scores do not form a distribution")
	ErrNegativeScore          = fmt.Errorf("%w: negative or NaN score", ErrDegenerateDistribution)
)

// Evaluator scores encoded positions. Scores must be non-negative; higher
// means the position more likely followed the move a strong player chose.
type Evaluator interface {
	Evaluate(boards []encoding.BoardTensor, extras []encoding.ExtraTensor) ([]float64, error)
}

// MoveProbability is one legal move with its raw score and its share of the
// total score
type MoveProbability struct {
	Move        rules.Move
	Score       float64
	Probability float64
}

// Option configures a Selector
type Option func(*Selector)

// WithScheme sets the encoding scheme; it must match the model's
func WithScheme(s *encoding.Scheme) Option {
	return func(sel *Selector) { sel.scheme = s }
}

// WithSeed seeds the random source used for stochastic selection
func WithSeed(seed uint64) Option {
	return func(sel *Selector) { sel.rng = rand.New(rand.NewSource(seed)) }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(sel *Selector) { sel.logger = l }
}

// Selector ranks and picks moves for a position
type Selector struct {
	eval   Evaluator
	scheme *encoding.Scheme
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// Statistics
	totalAnalyses      int
	degenerate         int
	totalInferenceTime time.Duration
}

// NewSelector creates a selector over eval. Without WithSeed the random
// source is seeded with 1.
func NewSelector(eval Evaluator, opts ...Option) *Selector {
	sel := &Selector{
		eval:   eval,
		scheme: encoding.V1,
		logger: zap.NewNop(),
		rng:    rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(sel)
	}
	return sel
}

// Analyze returns every legal move with its normalized probability, sorted
// by probability descending. Ties keep the engine's enumeration order. The
// board is left exactly as it was.
func (s *Selector) Analyze(board rules.Board) ([]MoveProbability, error) {
	legal := board.LegalMoves()
	if len(legal) == 0 {
		return nil, ErrNoLegalMoves
	}

	boards := make([]encoding.BoardTensor, len(legal))
	extras := make([]encoding.ExtraTensor, len(legal))
	for i, m := range legal {
		err := rules.Peek(board, m, func(b rules.Board) error {
			var err error
			boards[i], extras[i], err = s.scheme.Encode(b)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", m, err)
		}
	}

	inferStart := time.Now()
	scores, err := s.eval.Evaluate(boards, extras)
	inferDuration := time.Since(inferStart)

	s.mu.Lock()
	s.totalAnalyses++
	s.totalInferenceTime += inferDuration
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(scores) != len(legal) {
		return nil, fmt.Errorf("evaluator returned %d scores for %d moves", len(scores), len(legal))
	}

	probs, err := normalize(legal, scores)
	if err != nil {
		s.mu.Lock()
		s.degenerate++
		s.mu.Unlock()
		return nil, err
	}
	return probs, nil
}

func normalize(legal []rules.Move, scores []float64) ([]MoveProbability, error) {
	for i, sc := range scores {
		if math.IsNaN(sc) || sc < 0 {
			return nil, fmt.Errorf("%w: %v for %s", ErrNegativeScore, sc, legal[i])
		}
	}
	total := floats.Sum(scores)
	if total == 0 || math.IsInf(total, 0) {
		return nil, fmt.Errorf("%w: scores sum to %v", ErrDegenerateDistribution, total)
	}

	probs := make([]MoveProbability, len(legal))
	for i, m := range legal {
		probs[i] = MoveProbability{Move: m, Score: scores[i], Probability: scores[i] / total}
	}
	sort.SliceStable(probs, func(i, j int) bool {
		return probs[i].Probability > probs[j].Probability
	})
	return probs, nil
}

// Select picks a move. Greedy selection returns the most probable move,
// the earliest enumerated one on ties. Stochastic selection draws once from
// the distribution using the selector's random source.
func (s *Selector) Select(board rules.Board, stochastic bool) (rules.Move, error) {
	probs, err := s.Analyze(board)
	if err != nil {
		return rules.Move{}, err
	}
	if !stochastic {
		return probs[0].Move, nil
	}

	weights := make([]float64, len(probs))
	for i, p := range probs {
		weights[i] = p.Probability
	}

	s.mu.Lock()
	idx := int(distuv.NewCategorical(weights, s.rng).Rand())
	s.mu.Unlock()
	return probs[idx].Move, nil
}

// SelectOrUniform behaves like Select but falls back to a uniformly random
// legal move when the scores do not form a distribution
func (s *Selector) SelectOrUniform(board rules.Board, stochastic bool) (rules.Move, error) {
	m, err := s.Select(board, stochastic)
	if err == nil || !errors.Is(err, ErrDegenerateDistribution) {
		return m, err
	}

	legal := board.LegalMoves()
	s.logger.Warn("Degenerate move distribution, picking uniformly",
		zap.String("fen", board.FEN()),
		zap.Int("legal_moves", len(legal)),
		zap.Error(err))

	s.mu.Lock()
	idx := s.rng.Intn(len(legal))
	s.mu.Unlock()
	return legal[idx], nil
}

// Stats reports selector usage
type Stats struct {
	TotalAnalyses      int
	Degenerate         int
	AvgInferenceMs     float64
	TotalInferenceTime time.Duration
}

// GetStatistics returns selector statistics
func (s *Selector) GetStatistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := 0.0
	if s.totalAnalyses > 0 {
		avg = s.totalInferenceTime.Seconds() * 1000 / float64(s.totalAnalyses)
	}
	return Stats{
		TotalAnalyses:      s.totalAnalyses,
		Degenerate:         s.degenerate,
		AvgInferenceMs:     avg,
		TotalInferenceTime: s.totalInferenceTime,
	}
}
