package encoding

import (
	"fmt"

	"github.com/thyrook/chessnet/internal/rules"
)

// PieceClass is the byte-sized id of a square occupant
type PieceClass uint8

const (
	// ClassEmpty is the id of an empty square
	ClassEmpty PieceClass = 0
	// NumClasses is the vocabulary size: empty plus 6 piece types for each color
	NumClasses = 13
)

var pieceOrder = [...]rules.PieceType{
	rules.Pawn, rules.Knight, rules.Bishop, rules.Rook, rules.Queen, rules.King,
}

// Vocabulary is a bijection between square occupants and class ids
type Vocabulary struct {
	pieces  [NumClasses]rules.Piece
	classes map[rules.Piece]PieceClass
}

// StandardVocabulary maps white pawn..king to 1..6 and black pawn..king to 7..12
func StandardVocabulary() Vocabulary {
	v := Vocabulary{classes: make(map[rules.Piece]PieceClass, NumClasses)}
	v.classes[rules.Piece{}] = ClassEmpty
	for i, pt := range pieceOrder {
		white := rules.Piece{Type: pt, Color: rules.White}
		black := rules.Piece{Type: pt, Color: rules.Black}
		v.pieces[1+i] = white
		v.pieces[1+len(pieceOrder)+i] = black
		v.classes[white] = PieceClass(1 + i)
		v.classes[black] = PieceClass(1 + len(pieceOrder) + i)
	}
	return v
}

// Class returns the id of a piece. The empty Piece maps to ClassEmpty.
func (v Vocabulary) Class(p rules.Piece) (PieceClass, error) {
	c, ok := v.classes[p]
	if !ok {
		return 0, fmt.Errorf("%w: %+v", ErrUnknownPiece, p)
	}
	return c, nil
}

// Piece returns the occupant for a class id
func (v Vocabulary) Piece(c PieceClass) (rules.Piece, error) {
	if int(c) >= NumClasses {
		return rules.Piece{}, fmt.Errorf("%w: %d", ErrUnknownClass, c)
	}
	return v.pieces[c], nil
}
