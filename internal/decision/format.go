package decision

import (
	"fmt"
	"strings"

	"github.com/thyrook/chessnet/internal/rules"
)

var pieceNames = map[rules.PieceType]string{
	rules.Pawn:   "Pawn",
	rules.Knight: "Knight",
	rules.Bishop: "Bishop",
	rules.Rook:   "Rook",
	rules.Queen:  "Queen",
	rules.King:   "King",
}

// FormatMove describes a move with the piece that makes it, e.g.
// "Knight: g1 -> f3". board must be the position before the move.
func FormatMove(board rules.Board, m rules.Move) string {
	p := board.PieceAt(m.From)
	name, ok := pieceNames[p.Type]
	if !ok {
		return m.String()
	}
	s := fmt.Sprintf("%s: %s -> %s", name, m.From, m.To)
	if m.Promotion != rules.NoPieceType {
		s += fmt.Sprintf(" (=%s)", pieceNames[m.Promotion])
	}
	return s
}

// FormatAnalysis renders the top moves of an analysis as a ranked table.
// top <= 0 prints every move.
func FormatAnalysis(board rules.Board, probs []MoveProbability, top int) string {
	if top <= 0 || top > len(probs) {
		top = len(probs)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Position: %s\n", board.FEN())
	fmt.Fprintf(&sb, "Legal moves: %d\n\n", len(probs))
	for i, p := range probs[:top] {
		fmt.Fprintf(&sb, "%3d. %-6s %6.2f%%  score %.4f  %s\n",
			i+1, p.Move, p.Probability*100, p.Score, FormatMove(board, p.Move))
	}
	return sb.String()
}
