package rules

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/notnil/chess"
)

// ChessBoard adapts github.com/notnil/chess. Positions are immutable values:
// Push stacks the successor returned by Position.Update and Pop drops it, so
// undo can never leave the board half-restored.
type ChessBoard struct {
	stack []*chess.Position
}

// NewChessBoard creates a board from a FEN string
func NewChessBoard(fen string) (*ChessBoard, error) {
	if fen == "" {
		fen = StartFEN
	}
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	game := chess.NewGame(opt)
	return NewChessBoardFromPosition(game.Position()), nil
}

// NewChessBoardFromPosition wraps an existing position
func NewChessBoardFromPosition(pos *chess.Position) *ChessBoard {
	return &ChessBoard{stack: []*chess.Position{pos}}
}

// Position returns the current notnil position
func (b *ChessBoard) Position() *chess.Position {
	return b.stack[len(b.stack)-1]
}

func (b *ChessBoard) PieceAt(sq Square) Piece {
	return fromChessPiece(b.Position().Board().Piece(chess.Square(sq)))
}

func (b *ChessBoard) SideToMove() Color {
	if b.Position().Turn() == chess.White {
		return White
	}
	return Black
}

func (b *ChessBoard) CanCastle(c Color, side Side) bool {
	color := chess.White
	if c == Black {
		color = chess.Black
	}
	chessSide := chess.KingSide
	if side == QueenSide {
		chessSide = chess.QueenSide
	}
	return b.Position().CastleRights().CanCastle(color, chessSide)
}

func (b *ChessBoard) LegalMoves() []Move {
	valid := b.Position().ValidMoves()
	moves := make([]Move, 0, len(valid))
	for _, m := range valid {
		moves = append(moves, fromChessMove(m))
	}
	return moves
}

func (b *ChessBoard) Push(m Move) error {
	pos := b.Position()
	for _, candidate := range pos.ValidMoves() {
		if fromChessMove(candidate) == m {
			b.stack = append(b.stack, pos.Update(candidate))
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrIllegalMove, m, pos.String())
}

func (b *ChessBoard) Pop() error {
	if len(b.stack) <= 1 {
		return ErrNothingToUndo
	}
	b.stack[len(b.stack)-1] = nil
	b.stack = b.stack[:len(b.stack)-1]
	return nil
}

// Hash folds the engine's 128-bit position hash into 64 bits
func (b *ChessBoard) Hash() uint64 {
	h := b.Position().Hash()
	return xxhash.Sum64(h[:])
}

func (b *ChessBoard) FEN() string {
	return b.Position().String()
}

// FromChessMove converts a notnil move
func FromChessMove(m *chess.Move) Move {
	return fromChessMove(m)
}

func fromChessMove(m *chess.Move) Move {
	return Move{
		From:      Square(m.S1()),
		To:        Square(m.S2()),
		Promotion: fromChessPieceType(m.Promo()),
	}
}

func fromChessPiece(p chess.Piece) Piece {
	if p == chess.NoPiece {
		return Piece{}
	}
	piece := Piece{Type: fromChessPieceType(p.Type())}
	if p.Color() == chess.Black {
		piece.Color = Black
	}
	return piece
}

func fromChessPieceType(pt chess.PieceType) PieceType {
	switch pt {
	case chess.Pawn:
		return Pawn
	case chess.Knight:
		return Knight
	case chess.Bishop:
		return Bishop
	case chess.Rook:
		return Rook
	case chess.Queen:
		return Queen
	case chess.King:
		return King
	default:
		return NoPieceType
	}
}
