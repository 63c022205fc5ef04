package data

import (
	"errors"
	"strings"
	"testing"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/rules"
)

func mustMoves(t *testing.T, uci ...string) []rules.Move {
	t.Helper()
	moves := make([]rules.Move, len(uci))
	for i, s := range uci {
		m, err := rules.ParseMove(s)
		if err != nil {
			t.Fatalf("ParseMove(%q): %v", s, err)
		}
		moves[i] = m
	}
	return moves
}

func encodeFEN(t *testing.T, fen string, uci ...string) encoding.BoardTensor {
	t.Helper()
	b, err := rules.NewChessBoard(fen)
	if err != nil {
		t.Fatalf("NewChessBoard: %v", err)
	}
	for _, m := range mustMoves(t, uci...) {
		if err := b.Push(m); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	bt, _, err := encoding.V1.Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return bt
}

// A game with three played moves and no forced ply yields three pairs.
func TestGenerateThreeMoveGame(t *testing.T) {
	for _, engine := range []rules.Engine{rules.EngineNotnil, rules.EngineDragontooth} {
		t.Run(string(engine), func(t *testing.T) {
			game := GameRecord{Moves: mustMoves(t, "e2e4", "e7e5", "g1f3")}
			pairs, stats, err := NewPairGenerator(encoding.V1, engine, 1).Generate(game)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(pairs) != 3 || stats.Pairs != 3 || stats.Plies != 3 || stats.ForcedSkipped != 0 {
				t.Fatalf("got %d pairs, stats %+v", len(pairs), stats)
			}
			if n := len(encoding.Flatten(pairs)); n != 6 {
				t.Errorf("expected 6 samples, got %d", n)
			}

			played := [][]string{{"e2e4"}, {"e2e4", "e7e5"}, {"e2e4", "e7e5", "g1f3"}}
			for i, p := range pairs {
				if p.Negative.Label != encoding.LabelNegative || p.Positive.Label != encoding.LabelPositive {
					t.Errorf("pair %d labels %d,%d", i, p.Negative.Label, p.Positive.Label)
				}
				if p.Positive.Board != encodeFEN(t, "", played[i]...) {
					t.Errorf("pair %d positive is not the played position", i)
				}
				if p.Negative.Board == p.Positive.Board {
					t.Errorf("pair %d negative equals positive", i)
				}
				// side to move flips after either move
				wantStm := uint8(i % 2)
				if p.Negative.Extra[encoding.ExtraSideToMove] != wantStm || p.Positive.Extra[encoding.ExtraSideToMove] != wantStm {
					t.Errorf("pair %d side-to-move flags wrong", i)
				}
			}
		})
	}
}

func TestGenerateSkipsForcedMoves(t *testing.T) {
	// white king in check with a single escape
	game := GameRecord{
		StartFEN: "k7/8/8/8/8/8/1q6/K7 w - - 0 1",
		Moves:    mustMoves(t, "a1b2", "a8a7"),
	}
	pairs, stats, err := NewPairGenerator(encoding.V1, rules.EngineNotnil, 3).Generate(game)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if stats.ForcedSkipped != 1 || stats.Pairs != 1 || len(pairs) != 1 {
		t.Errorf("expected 1 forced skip and 1 pair, got %+v", stats)
	}
}

func TestGenerateIllegalMove(t *testing.T) {
	game := GameRecord{Index: 4, Moves: mustMoves(t, "e2e4", "e2e4")}
	pairs, _, err := NewPairGenerator(encoding.V1, rules.EngineNotnil, 1).Generate(game)
	if !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if !strings.Contains(err.Error(), "game 4 ply 2") {
		t.Errorf("error does not locate the ply: %v", err)
	}
	if len(pairs) != 1 {
		t.Errorf("expected the first pair to be kept, got %d", len(pairs))
	}
}

func TestGenerateDeterministic(t *testing.T) {
	games, err := ParseGames(strings.NewReader(pgnGame("det", testGames[7])))
	if err != nil || len(games) != 1 {
		t.Fatalf("ParseGames: %v", err)
	}

	run := func(seed uint64) []encoding.SamplePair {
		pairs, _, err := NewPairGenerator(encoding.V1, rules.EngineNotnil, seed).Generate(games[0])
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		return pairs
	}

	a, b := run(11), run(11)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("pair %d differs between identical seeds", i)
		}
	}

	differs := false
	for seed := uint64(12); seed < 20 && !differs; seed++ {
		c := run(seed)
		for i := range a {
			if a[i].Negative != c[i].Negative {
				differs = true
			}
		}
	}
	if !differs {
		t.Error("different seeds never changed the negatives")
	}
}

func TestGenerateEnginesAgreeOnPositives(t *testing.T) {
	games, err := ParseGames(strings.NewReader(pgnGame("eng", testGames[4])))
	if err != nil || len(games) != 1 {
		t.Fatalf("ParseGames: %v", err)
	}
	a, _, err := NewPairGenerator(encoding.V1, rules.EngineNotnil, 5).Generate(games[0])
	if err != nil {
		t.Fatalf("notnil: %v", err)
	}
	d, _, err := NewPairGenerator(encoding.V1, rules.EngineDragontooth, 5).Generate(games[0])
	if err != nil {
		t.Fatalf("dragontooth: %v", err)
	}
	if len(a) != len(d) {
		t.Fatalf("pair counts differ: %d vs %d", len(a), len(d))
	}
	for i := range a {
		if a[i].Positive != d[i].Positive {
			t.Errorf("positive %d differs between engines", i)
		}
	}
}

func TestGameSeed(t *testing.T) {
	if GameSeed(1, 2) != GameSeed(1, 2) {
		t.Error("GameSeed is not deterministic")
	}
	if GameSeed(1, 2) == GameSeed(1, 3) || GameSeed(1, 2) == GameSeed(2, 2) {
		t.Error("GameSeed collides on neighbouring inputs")
	}
}
