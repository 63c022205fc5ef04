// Package rules defines the board contract the rest of chessnet needs from a
// chess rules engine and adapts two engines to it.
package rules

import (
	"errors"
	"fmt"
	"strings"
)

// StartFEN is the standard initial position
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrIllegalMove    = errors.New("illegal move")
	ErrNothingToUndo  = errors.New("nothing to undo")
	ErrUnknownEngine  = errors.New("unknown rules engine")
	ErrInvalidFEN     = errors.New("invalid FEN")
	ErrInvalidMoveStr = errors.New("invalid move string")
	ErrBoardCorrupted = errors.New("board not restored after undo")
)

// Square indexes the board a1=0, b1=1 ... h8=63
type Square uint8

// NumSquares is the number of squares on the board
const NumSquares = 64

// NewSquare builds a square from zero-based file and rank
func NewSquare(file, rank int) Square {
	return Square(rank*8 + file)
}

// File returns the zero-based file (a=0)
func (s Square) File() int { return int(s) % 8 }

// Rank returns the zero-based rank (1st rank = 0)
func (s Square) Rank() int { return int(s) / 8 }

func (s Square) String() string {
	if s >= NumSquares {
		return "-"
	}
	return fmt.Sprintf("%c%d", 'a'+s.File(), s.Rank()+1)
}

// Color is a side
type Color uint8

const (
	White Color = iota
	Black
)

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// Side selects a castling wing
type Side uint8

const (
	KingSide Side = iota
	QueenSide
)

// PieceType is a kind of piece without color
type PieceType uint8

const (
	NoPieceType PieceType = iota
	Pawn
	Knight
	Bishop
	Rook
	Queen
	King
)

var pieceLetters = [...]byte{' ', 'p', 'n', 'b', 'r', 'q', 'k'}

// Letter returns the lowercase FEN letter of the piece type
func (pt PieceType) Letter() byte {
	if int(pt) >= len(pieceLetters) {
		return '?'
	}
	return pieceLetters[pt]
}

// Piece is an occupant of a square. The zero value is an empty square.
type Piece struct {
	Type  PieceType
	Color Color
}

// IsEmpty reports whether the piece represents an empty square
func (p Piece) IsEmpty() bool {
	return p.Type == NoPieceType
}

func (p Piece) String() string {
	if p.IsEmpty() {
		return "."
	}
	l := p.Type.Letter()
	if p.Color == White {
		l -= 'a' - 'A'
	}
	return string(l)
}

// Move is an engine-neutral move
type Move struct {
	From      Square
	To        Square
	Promotion PieceType
}

// String returns the move in UCI notation, e.g. e2e4 or e7e8q
func (m Move) String() string {
	s := m.From.String() + m.To.String()
	if m.Promotion != NoPieceType {
		s += string(m.Promotion.Letter())
	}
	return s
}

// ParseMove parses a UCI move string
func ParseMove(s string) (Move, error) {
	s = strings.TrimSpace(s)
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrInvalidMoveStr, s)
	}
	from, err := parseSquare(s[0:2])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %q", ErrInvalidMoveStr, s)
	}
	to, err := parseSquare(s[2:4])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %q", ErrInvalidMoveStr, s)
	}
	m := Move{From: from, To: to}
	if len(s) == 5 {
		switch s[4] {
		case 'n':
			m.Promotion = Knight
		case 'b':
			m.Promotion = Bishop
		case 'r':
			m.Promotion = Rook
		case 'q':
			m.Promotion = Queen
		default:
			return Move{}, fmt.Errorf("%w: %q", ErrInvalidMoveStr, s)
		}
	}
	return m, nil
}

func parseSquare(s string) (Square, error) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return 0, fmt.Errorf("invalid square %q", s)
	}
	return NewSquare(int(s[0]-'a'), int(s[1]-'1')), nil
}

// Board is the mutable position contract used by the encoder, the pair
// generator and the move selector.
//
// Push and Pop must bracket each other exactly: after Push(m) followed by
// Pop(), Hash() must return the value it had before the Push.
type Board interface {
	PieceAt(sq Square) Piece
	SideToMove() Color
	CanCastle(c Color, side Side) bool
	// LegalMoves returns a fresh slice on every call.
	LegalMoves() []Move
	Push(m Move) error
	Pop() error
	Hash() uint64
	FEN() string
}

// Engine names a Board implementation
type Engine string

const (
	EngineNotnil      Engine = "notnil"
	EngineDragontooth Engine = "dragontooth"
)

// Valid reports whether the engine name is known
func (e Engine) Valid() bool {
	return e == EngineNotnil || e == EngineDragontooth
}

// Open creates a board for the given engine. An empty FEN means the
// standard starting position.
func Open(engine Engine, fen string) (Board, error) {
	switch engine {
	case EngineNotnil, "":
		b, err := NewChessBoard(fen)
		if err != nil {
			return nil, err
		}
		return b, nil
	case EngineDragontooth:
		b, err := NewDragonBoard(fen)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
}

// ContainsMove reports whether m is among moves
func ContainsMove(moves []Move, m Move) bool {
	for _, candidate := range moves {
		if candidate == m {
			return true
		}
	}
	return false
}

// castleField extracts castling availability from the third FEN field
func castleField(fen string, c Color, side Side) bool {
	fields := strings.Fields(fen)
	if len(fields) < 3 {
		return false
	}
	var flag byte
	switch {
	case c == White && side == KingSide:
		flag = 'K'
	case c == White && side == QueenSide:
		flag = 'Q'
	case c == Black && side == KingSide:
		flag = 'k'
	default:
		flag = 'q'
	}
	return strings.IndexByte(fields[2], flag) >= 0
}

// Peek plays m, calls fn on the resulting position and takes the move back.
// The position hash must be identical before and after; otherwise Peek
// returns ErrBoardCorrupted. An error from fn is returned only after the
// board has been restored.
func Peek(b Board, m Move, fn func(Board) error) error {
	before := b.Hash()
	if err := b.Push(m); err != nil {
		return err
	}
	fnErr := fn(b)
	if err := b.Pop(); err != nil {
		return err
	}
	if b.Hash() != before {
		return fmt.Errorf("%w: after %s", ErrBoardCorrupted, m)
	}
	return fnErr
}
