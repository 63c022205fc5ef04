package encoding

// Sample labels
const (
	LabelNegative uint8 = 0
	LabelPositive uint8 = 1
)

// Sample is one encoded position with its label
type Sample struct {
	Board BoardTensor
	Extra ExtraTensor
	Label uint8
}

// SamplePair is the position after a random alternative move (Negative,
// label 0) and the position after the move actually played (Positive,
// label 1), both from the same parent position.
type SamplePair struct {
	Negative Sample
	Positive Sample
}

// Flatten lays pairs out as negative, positive, negative, positive, ...
func Flatten(pairs []SamplePair) []Sample {
	out := make([]Sample, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out, p.Negative, p.Positive)
	}
	return out
}
