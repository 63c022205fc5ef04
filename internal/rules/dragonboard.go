package rules

import (
	"fmt"

	"github.com/dylhunn/dragontoothmg"
)

// DragonBoard adapts github.com/dylhunn/dragontoothmg. The engine mutates a
// single board in place; every Push keeps the unapply closure returned by
// Apply and Pop runs it.
type DragonBoard struct {
	board dragontoothmg.Board
	undo  []func()
}

// NewDragonBoard creates a board from a FEN string
func NewDragonBoard(fen string) (b *DragonBoard, err error) {
	if fen == "" {
		fen = StartFEN
	}
	// ParseFen panics on malformed input
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("%w: %v", ErrInvalidFEN, r)
		}
	}()
	return &DragonBoard{board: dragontoothmg.ParseFen(fen)}, nil
}

func (b *DragonBoard) PieceAt(sq Square) Piece {
	mask := uint64(1) << uint(sq)
	if b.board.White.All&mask != 0 {
		return Piece{Type: dragonPieceAt(&b.board.White, mask), Color: White}
	}
	if b.board.Black.All&mask != 0 {
		return Piece{Type: dragonPieceAt(&b.board.Black, mask), Color: Black}
	}
	return Piece{}
}

func dragonPieceAt(bb *dragontoothmg.Bitboards, mask uint64) PieceType {
	switch {
	case bb.Pawns&mask != 0:
		return Pawn
	case bb.Knights&mask != 0:
		return Knight
	case bb.Bishops&mask != 0:
		return Bishop
	case bb.Rooks&mask != 0:
		return Rook
	case bb.Queens&mask != 0:
		return Queen
	case bb.Kings&mask != 0:
		return King
	default:
		return NoPieceType
	}
}

func (b *DragonBoard) SideToMove() Color {
	if b.board.Wtomove {
		return White
	}
	return Black
}

// CanCastle reads castling rights back from the FEN since the engine keeps
// them unexported
func (b *DragonBoard) CanCastle(c Color, side Side) bool {
	return castleField(b.board.ToFen(), c, side)
}

func (b *DragonBoard) LegalMoves() []Move {
	generated := b.board.GenerateLegalMoves()
	moves := make([]Move, 0, len(generated))
	for i := range generated {
		moves = append(moves, fromDragonMove(generated[i]))
	}
	return moves
}

func (b *DragonBoard) Push(m Move) error {
	generated := b.board.GenerateLegalMoves()
	for i := range generated {
		if fromDragonMove(generated[i]) == m {
			b.undo = append(b.undo, b.board.Apply(generated[i]))
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrIllegalMove, m, b.board.ToFen())
}

func (b *DragonBoard) Pop() error {
	if len(b.undo) == 0 {
		return ErrNothingToUndo
	}
	last := len(b.undo) - 1
	b.undo[last]()
	b.undo[last] = nil
	b.undo = b.undo[:last]
	return nil
}

func (b *DragonBoard) Hash() uint64 {
	return b.board.Hash()
}

func (b *DragonBoard) FEN() string {
	return b.board.ToFen()
}

func fromDragonMove(m dragontoothmg.Move) Move {
	move := Move{
		From: Square(m.From()),
		To:   Square(m.To()),
	}
	switch m.Promote() {
	case dragontoothmg.Knight:
		move.Promotion = Knight
	case dragontoothmg.Bishop:
		move.Promotion = Bishop
	case dragontoothmg.Rook:
		move.Promotion = Rook
	case dragontoothmg.Queen:
		move.Promotion = Queen
	}
	return move
}
