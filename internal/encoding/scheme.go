// Package encoding turns board positions into the fixed-size byte tensors
// that are stored in shards and fed to the model.
package encoding

import (
	"errors"
	"fmt"

	"github.com/thyrook/chessnet/internal/rules"
)

var (
	ErrNilBoard       = errors.New("board is nil")
	ErrUnknownPiece   = errors.New("piece not in vocabulary")
	ErrUnknownClass   = errors.New("class id out of range")
	ErrInvalidFlag    = errors.New("extra flag must be 0 or 1")
	ErrUnknownScheme  = errors.New("unknown encoding scheme")
	ErrSchemeMismatch = errors.New("encoding scheme mismatch")
)

// Extra tensor layout
const (
	ExtraSideToMove = iota
	ExtraWhiteKingSide
	ExtraWhiteQueenSide
	ExtraBlackKingSide
	ExtraBlackQueenSide
	NumExtras
)

// BoardTensor holds one class id per square, in the scheme's square order
type BoardTensor [rules.NumSquares]uint8

// ExtraTensor holds side to move (1 = white) and the four castling flags
type ExtraTensor [NumExtras]uint8

var castleOrder = [4]struct {
	color rules.Color
	side  rules.Side
}{
	{rules.White, rules.KingSide},
	{rules.White, rules.QueenSide},
	{rules.Black, rules.KingSide},
	{rules.Black, rules.QueenSide},
}

// Scheme fixes the square order and vocabulary of an encoding. Its Version
// is persisted with every shard; decoding under a different version is an
// error rather than a silent reinterpretation.
type Scheme struct {
	Version uint16
	Name    string
	Squares [rules.NumSquares]rules.Square
	Vocab   Vocabulary
}

// V1 encodes squares a1..h8 (index = rank*8+file) with the standard vocabulary
var V1 = newV1()

var registry = map[uint16]*Scheme{V1.Version: V1}

func newV1() *Scheme {
	s := &Scheme{Version: 1, Name: "a1h8-13", Vocab: StandardVocabulary()}
	for i := range s.Squares {
		s.Squares[i] = rules.Square(i)
	}
	return s
}

// Lookup resolves a persisted scheme version
func Lookup(version uint16) (*Scheme, error) {
	s, ok := registry[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownScheme, version)
	}
	return s, nil
}

// LookupName resolves a scheme by its configured name
func LookupName(name string) (*Scheme, error) {
	for _, s := range registry {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
}

// Check returns ErrSchemeMismatch unless version matches the scheme
func (s *Scheme) Check(version uint16) error {
	if version != s.Version {
		return fmt.Errorf("%w: have %d, want %d", ErrSchemeMismatch, version, s.Version)
	}
	return nil
}

// Encode converts the board into its tensors. It does not mutate the board.
func (s *Scheme) Encode(b rules.Board) (BoardTensor, ExtraTensor, error) {
	var bt BoardTensor
	var et ExtraTensor
	if b == nil {
		return bt, et, ErrNilBoard
	}

	for i, sq := range s.Squares {
		c, err := s.Vocab.Class(b.PieceAt(sq))
		if err != nil {
			return bt, et, fmt.Errorf("square %s: %w", sq, err)
		}
		bt[i] = uint8(c)
	}

	if b.SideToMove() == rules.White {
		et[ExtraSideToMove] = 1
	}
	for i, c := range castleOrder {
		if b.CanCastle(c.color, c.side) {
			et[ExtraWhiteKingSide+i] = 1
		}
	}
	return bt, et, nil
}

// Validate checks that every class id and flag is in range
func (s *Scheme) Validate(bt BoardTensor, et ExtraTensor) error {
	for i, c := range bt {
		if int(c) >= NumClasses {
			return fmt.Errorf("index %d: %w: %d", i, ErrUnknownClass, c)
		}
	}
	for i, f := range et {
		if f > 1 {
			return fmt.Errorf("extra %d: %w", i, ErrInvalidFlag)
		}
	}
	return nil
}

// Snapshot is the encoder-relevant state of a position
type Snapshot struct {
	Pieces     [rules.NumSquares]rules.Piece
	SideToMove rules.Color
	// Castling in extra-tensor order: white O-O, white O-O-O, black O-O, black O-O-O
	Castling [4]bool
}

// SnapshotOf captures the encoder-relevant state of b
func SnapshotOf(b rules.Board) Snapshot {
	var snap Snapshot
	for sq := rules.Square(0); sq < rules.NumSquares; sq++ {
		snap.Pieces[sq] = b.PieceAt(sq)
	}
	snap.SideToMove = b.SideToMove()
	for i, c := range castleOrder {
		snap.Castling[i] = b.CanCastle(c.color, c.side)
	}
	return snap
}

// Decode reverses Encode
func (s *Scheme) Decode(bt BoardTensor, et ExtraTensor) (Snapshot, error) {
	var snap Snapshot
	if err := s.Validate(bt, et); err != nil {
		return snap, err
	}
	for i, sq := range s.Squares {
		p, err := s.Vocab.Piece(PieceClass(bt[i]))
		if err != nil {
			return snap, err
		}
		snap.Pieces[sq] = p
	}
	snap.SideToMove = rules.Black
	if et[ExtraSideToMove] == 1 {
		snap.SideToMove = rules.White
	}
	for i := range castleOrder {
		snap.Castling[i] = et[ExtraWhiteKingSide+i] == 1
	}
	return snap, nil
}
