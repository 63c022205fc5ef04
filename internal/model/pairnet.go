// Package model holds the position-scoring network: a multilayer perceptron
// over one-hot encoded boards that outputs the probability that a position
// arose from the move actually played.
package model

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/thyrook/chessnet/internal/encoding"
)

// ModelType identifies PairNet checkpoints
const ModelType = "PairNet"

// Input layout: 64 one-hot squares of NumClasses ids, then the extra flags
const (
	BoardFeatures = 64 * encoding.NumClasses
	InputSize     = BoardFeatures + encoding.NumExtras
)

var (
	ErrInputMismatch = errors.New("boards and extras differ in length")
	ErrNotTrainable  = errors.New("network was built without a training graph")
	ErrBatchSize     = errors.New("batch does not match the network batch size")
)

// Config describes the network shape
type Config struct {
	Hidden    []int  `json:"hidden"`
	BatchSize int    `json:"batch_size"`
	Seed      uint64 `json:"seed"`
}

// DefaultConfig returns two hidden layers of 256 units
func DefaultConfig() Config {
	return Config{
		Hidden:    []int{256, 256},
		BatchSize: 256,
		Seed:      1,
	}
}

// PairNet scores encoded positions in [0, 1]. The graph has a fixed batch
// dimension; Evaluate pads and chunks arbitrary inputs to it. A PairNet is
// safe for concurrent use.
type PairNet struct {
	mu sync.Mutex

	g          *gorgonia.ExprGraph
	input      *gorgonia.Node
	output     *gorgonia.Node
	outVal     gorgonia.Value
	learnables gorgonia.Nodes
	vm         gorgonia.VM

	// set only on training graphs
	target *gorgonia.Node
	loss   *gorgonia.Node

	config Config
	buf    []float64
}

// NewPairNet builds an inference network
func NewPairNet(config Config) (*PairNet, error) {
	return build(config, false)
}

// NewTrainingPairNet builds a network whose graph also computes binary
// cross-entropy loss and its gradients
func NewTrainingPairNet(config Config) (*PairNet, error) {
	return build(config, true)
}

func build(config Config, trainable bool) (*PairNet, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBatchSize, config.BatchSize)
	}
	for _, h := range config.Hidden {
		if h <= 0 {
			return nil, fmt.Errorf("invalid hidden layer size %d", h)
		}
	}

	g := gorgonia.NewGraph()
	rng := rand.New(rand.NewSource(config.Seed))
	n := &PairNet{
		g:      g,
		config: config,
		buf:    make([]float64, config.BatchSize*InputSize),
	}

	n.input = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(config.BatchSize, InputSize),
		gorgonia.WithName("input"))

	h := n.input
	fanIn := InputSize
	sizes := append(append([]int(nil), config.Hidden...), 1)
	for i, fanOut := range sizes {
		w := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(fanIn, fanOut),
			gorgonia.WithName(fmt.Sprintf("w%d", i)),
			gorgonia.WithValue(glorotUniform(rng, fanIn, fanOut)))
		b := gorgonia.NewVector(g, tensor.Float64,
			gorgonia.WithShape(fanOut),
			gorgonia.WithName(fmt.Sprintf("b%d", i)),
			gorgonia.WithInit(gorgonia.Zeroes()))
		n.learnables = append(n.learnables, w, b)

		h = gorgonia.Must(gorgonia.Mul(h, w))
		h = gorgonia.Must(gorgonia.BroadcastAdd(h, b, nil, []byte{0}))
		if i < len(sizes)-1 {
			h = gorgonia.Must(gorgonia.Rectify(h))
		}
		fanIn = fanOut
	}
	n.output = gorgonia.Must(gorgonia.Sigmoid(h))
	// the backward pass reuses the output buffer, so scores are copied out
	// before gradients are computed
	gorgonia.Read(n.output, &n.outVal)

	if trainable {
		n.target = gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(config.BatchSize, 1),
			gorgonia.WithName("target"))
		n.loss = binaryCrossEntropy(n.output, n.target)
		if _, err := gorgonia.Grad(n.loss, n.learnables...); err != nil {
			return nil, fmt.Errorf("failed to compute gradients: %w", err)
		}
	}

	n.vm = gorgonia.NewTapeMachine(g)
	return n, nil
}

func glorotUniform(rng *rand.Rand, fanIn, fanOut int) tensor.Tensor {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := make([]float64, fanIn*fanOut)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return tensor.New(tensor.WithShape(fanIn, fanOut), tensor.WithBacking(data))
}

// binaryCrossEntropy is -mean(y*log(p) + (1-y)*log(1-p)), with p clamped
// away from 0 and 1 by eps
func binaryCrossEntropy(p, y *gorgonia.Node) *gorgonia.Node {
	one := gorgonia.NewConstant(1.0)
	eps := gorgonia.NewConstant(1e-7)

	logP := gorgonia.Must(gorgonia.Log(gorgonia.Must(gorgonia.Add(p, eps))))
	oneMinusP := gorgonia.Must(gorgonia.Sub(one, p))
	logNotP := gorgonia.Must(gorgonia.Log(gorgonia.Must(gorgonia.Add(oneMinusP, eps))))
	oneMinusY := gorgonia.Must(gorgonia.Sub(one, y))

	pos := gorgonia.Must(gorgonia.HadamardProd(y, logP))
	neg := gorgonia.Must(gorgonia.HadamardProd(oneMinusY, logNotP))
	ll := gorgonia.Must(gorgonia.Add(pos, neg))
	return gorgonia.Must(gorgonia.Neg(gorgonia.Must(gorgonia.Mean(ll))))
}

// Config returns the network configuration
func (n *PairNet) Config() Config {
	return n.config
}

// BatchSize returns the fixed batch dimension of the graph
func (n *PairNet) BatchSize() int {
	return n.config.BatchSize
}

// Trainable reports whether the graph computes loss and gradients
func (n *PairNet) Trainable() bool {
	return n.loss != nil
}

// Learnables returns the weight nodes, layer by layer
func (n *PairNet) Learnables() gorgonia.Nodes {
	return n.learnables
}

// fill writes one-hot features for boards[lo:hi] into the input buffer,
// zero-padding the rest of the batch
func (n *PairNet) fill(boards []encoding.BoardTensor, extras []encoding.ExtraTensor, lo, hi int) {
	for i := range n.buf {
		n.buf[i] = 0
	}
	for row := 0; row < hi-lo; row++ {
		base := row * InputSize
		bt, et := &boards[lo+row], &extras[lo+row]
		for sq, class := range bt {
			n.buf[base+sq*encoding.NumClasses+int(class)] = 1
		}
		for j, f := range et {
			n.buf[base+BoardFeatures+j] = float64(f)
		}
	}
}

func (n *PairNet) letInput() error {
	t := tensor.New(tensor.WithShape(n.config.BatchSize, InputSize), tensor.WithBacking(n.buf))
	if err := gorgonia.Let(n.input, t); err != nil {
		return fmt.Errorf("failed to set input: %w", err)
	}
	return nil
}

func (n *PairNet) letTarget(labels []uint8) error {
	target := make([]float64, n.config.BatchSize)
	for i, l := range labels {
		target[i] = float64(l)
	}
	t := tensor.New(tensor.WithShape(n.config.BatchSize, 1), tensor.WithBacking(target))
	if err := gorgonia.Let(n.target, t); err != nil {
		return fmt.Errorf("failed to set target: %w", err)
	}
	return nil
}

func (n *PairNet) run() error {
	if err := n.vm.RunAll(); err != nil {
		return fmt.Errorf("failed to run network: %w", err)
	}
	return nil
}

func (n *PairNet) readOutput(dst []float64, count int) ([]float64, error) {
	val := n.outVal
	if val == nil {
		return dst, fmt.Errorf("output is nil")
	}
	data, ok := val.Data().([]float64)
	if !ok {
		return dst, fmt.Errorf("unexpected output type %T", val.Data())
	}
	return append(dst, data[:count]...), nil
}

// Evaluate scores each (board, extra) pair. Inputs of any length are split
// into graph-sized chunks.
func (n *PairNet) Evaluate(boards []encoding.BoardTensor, extras []encoding.ExtraTensor) ([]float64, error) {
	if len(boards) != len(extras) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrInputMismatch, len(boards), len(extras))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	scores := make([]float64, 0, len(boards))
	bs := n.config.BatchSize
	for lo := 0; lo < len(boards); lo += bs {
		hi := lo + bs
		if hi > len(boards) {
			hi = len(boards)
		}
		n.fill(boards, extras, lo, hi)
		if err := n.letInput(); err != nil {
			return nil, err
		}
		if n.target != nil {
			if err := n.letTarget(nil); err != nil {
				return nil, err
			}
		}
		err := n.run()
		if err == nil {
			scores, err = n.readOutput(scores, hi-lo)
		}
		n.vm.Reset()
		if err != nil {
			return nil, err
		}
	}
	return scores, nil
}

// Forward runs one full batch with labels and returns the mean loss and the
// per-sample scores without touching the weights.
func (n *PairNet) Forward(boards []encoding.BoardTensor, extras []encoding.ExtraTensor, labels []uint8) (float64, []float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.vm.Reset()
	return n.forward(boards, extras, labels)
}

func (n *PairNet) forward(boards []encoding.BoardTensor, extras []encoding.ExtraTensor, labels []uint8) (float64, []float64, error) {
	if n.loss == nil {
		return 0, nil, ErrNotTrainable
	}
	if len(boards) != n.config.BatchSize || len(extras) != len(boards) || len(labels) != len(boards) {
		return 0, nil, fmt.Errorf("%w: got %d samples, want %d", ErrBatchSize, len(boards), n.config.BatchSize)
	}

	n.fill(boards, extras, 0, len(boards))
	if err := n.letInput(); err != nil {
		return 0, nil, err
	}
	if err := n.letTarget(labels); err != nil {
		return 0, nil, err
	}
	if err := n.run(); err != nil {
		return 0, nil, err
	}

	loss, err := scalar(n.loss.Value())
	if err != nil {
		return 0, nil, err
	}
	scores, err := n.readOutput(make([]float64, 0, len(boards)), len(boards))
	if err != nil {
		return 0, nil, err
	}
	return loss, scores, nil
}

// Step runs one batch forward and backward, then lets the solver update the
// weights from the gradients before the machine is reset
func (n *PairNet) Step(solver gorgonia.Solver, boards []encoding.BoardTensor, extras []encoding.ExtraTensor, labels []uint8) (float64, []float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.vm.Reset()

	loss, scores, err := n.forward(boards, extras, labels)
	if err != nil {
		return 0, nil, err
	}
	if err := solver.Step(gorgonia.NodesToValueGrads(n.learnables)); err != nil {
		return 0, nil, fmt.Errorf("failed to update weights: %w", err)
	}
	return loss, scores, nil
}

func scalar(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("loss value is nil")
	}
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 0 {
			return 0, fmt.Errorf("loss value array is empty")
		}
		return d[0], nil
	default:
		return 0, fmt.Errorf("unexpected loss value type: %T", d)
	}
}

// Weights returns copies of all learnable values with their shapes
func (n *PairNet) Weights() ([][]int, [][]float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	shapes := make([][]int, len(n.learnables))
	data := make([][]float64, len(n.learnables))
	for i, node := range n.learnables {
		v := node.Value()
		shapes[i] = append([]int(nil), v.Shape()...)
		data[i] = append([]float64(nil), v.Data().([]float64)...)
	}
	return shapes, data
}

// SetWeights replaces all learnable values. Shapes must match the graph.
func (n *PairNet) SetWeights(shapes [][]int, data [][]float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(shapes) != len(n.learnables) || len(data) != len(n.learnables) {
		return fmt.Errorf("expected %d weight tensors, got %d", len(n.learnables), len(data))
	}
	for i, node := range n.learnables {
		want := node.Shape()
		if !tensor.Shape(shapes[i]).Eq(want) {
			return fmt.Errorf("weight %s: shape %v, want %v", node.Name(), shapes[i], want)
		}
		backing := append([]float64(nil), data[i]...)
		t := tensor.New(tensor.WithShape(shapes[i]...), tensor.WithBacking(backing))
		if err := gorgonia.Let(node, t); err != nil {
			return fmt.Errorf("failed to set weight %s: %w", node.Name(), err)
		}
	}
	return nil
}

// CopyWeightsFrom loads the weights of another network of the same shape
func (n *PairNet) CopyWeightsFrom(other *PairNet) error {
	shapes, data := other.Weights()
	return n.SetWeights(shapes, data)
}

// NumParams returns the number of learnable scalars
func (n *PairNet) NumParams() int {
	total := 0
	for _, node := range n.learnables {
		total += node.Shape().TotalSize()
	}
	return total
}

// Close cleans up resources
func (n *PairNet) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vm != nil {
		return n.vm.Close()
	}
	return nil
}
