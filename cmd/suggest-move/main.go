package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/thyrook/chessnet/internal/config"
	"github.com/thyrook/chessnet/internal/decision"
	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/iface"
	"github.com/thyrook/chessnet/internal/logger"
	"github.com/thyrook/chessnet/internal/model"
	"github.com/thyrook/chessnet/internal/rules"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (optional)")
	modelPath := flag.String("model", "", "Checkpoint to load (default from config)")
	fen := flag.String("fen", rules.StartFEN, "Position to analyze")
	moves := flag.String("moves", "", "Space separated UCI moves to play from -fen first")
	engine := flag.String("engine", "", "Rules engine: notnil or dragontooth (default from config)")
	top := flag.Int("top", -1, "Number of ranked moves to print (0 = all, default from config)")
	stochastic := flag.Bool("stochastic", false, "Sample the move from the distribution instead of taking the best")
	seed := flag.Uint64("seed", 0, "Seed for stochastic selection (default from config)")
	fallback := flag.Bool("uniform-fallback", true, "Pick a uniform legal move when the scores are degenerate")
	logLevel := flag.String("log-level", "", "Log level (default from config)")
	quiet := flag.Bool("quiet", false, "Print only the selected move")

	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)
	if *modelPath != "" {
		cfg.Model.ModelPath = *modelPath
	}
	if *engine != "" {
		cfg.Encoding.Engine = *engine
	}
	if *top >= 0 {
		cfg.Interface.TopMoves = *top
	}
	if *stochastic {
		cfg.Interface.Stochastic = true
	}
	if *seed != 0 {
		cfg.Interface.SelectSeed = *seed
	}
	if *logLevel != "" {
		cfg.Interface.LogLevel = *logLevel
	}

	log, err := logger.Setup(logger.Level(cfg.Interface.LogLevel), cfg.Interface.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	cli := iface.NewCLI(*quiet)

	if !model.ModelExists(cfg.Model.ModelPath) {
		log.Fatal("Model checkpoint not found", zap.String("path", cfg.Model.ModelPath))
	}
	net, meta, err := model.LoadModel(cfg.Model.ModelPath, 64)
	if err != nil {
		log.Fatal("Failed to load model", zap.String("path", cfg.Model.ModelPath), zap.Error(err))
	}
	defer net.Close()

	// the checkpoint's scheme wins over the config
	scheme, err := encoding.Lookup(meta.Scheme)
	if err != nil {
		net.Close()
		log.Fatal("Checkpoint uses an unknown scheme", zap.Error(err))
	}
	log.Info("Model loaded",
		zap.String("path", cfg.Model.ModelPath),
		zap.Int("epoch", meta.Epoch),
		zap.Float64("val_loss", meta.ValLoss),
		zap.String("scheme", scheme.Name),
		zap.Ints("hidden", meta.Hidden))

	board, err := rules.Open(rules.Engine(cfg.Encoding.Engine), *fen)
	if err != nil {
		net.Close()
		log.Fatal("Failed to set up position", zap.Error(err))
	}
	for _, s := range strings.Fields(*moves) {
		m, err := rules.ParseMove(s)
		if err == nil {
			err = board.Push(m)
		}
		if err != nil {
			net.Close()
			log.Fatal("Failed to play move", zap.String("move", s), zap.Error(err))
		}
	}

	selector := decision.NewSelector(net,
		decision.WithScheme(scheme),
		decision.WithSeed(cfg.Interface.SelectSeed),
		decision.WithLogger(log))

	probs, err := selector.Analyze(board)
	switch {
	case err == nil:
		if !cli.Quiet() {
			cli.PrintHeader("Move Analysis")
			cli.Printf("%s", decision.FormatAnalysis(board, probs, cfg.Interface.TopMoves))
		}
	case errors.Is(err, decision.ErrNoLegalMoves):
		cli.Printf("Position: %s\n", board.FEN())
		cli.PrintWarning("no legal moves")
		return
	case errors.Is(err, decision.ErrDegenerateDistribution):
		log.Warn("Scores do not form a distribution", zap.Error(err))
		cli.PrintWarning("scores do not form a distribution")
	default:
		net.Close()
		log.Fatal("Analysis failed", zap.Error(err))
	}

	selectMove := selector.Select
	if *fallback {
		selectMove = selector.SelectOrUniform
	}
	move, err := selectMove(board, cfg.Interface.Stochastic)
	if err != nil {
		net.Close()
		log.Fatal("Move selection failed", zap.Error(err))
	}

	if cli.Quiet() {
		cli.Println(move)
		return
	}

	mode := "greedy"
	if cfg.Interface.Stochastic {
		mode = "stochastic"
	}
	cli.Println()
	cli.PrintSuccess(fmt.Sprintf("Selected (%s): %s  %s", mode, move, decision.FormatMove(board, move)))

	stats := selector.GetStatistics()
	cli.PrintInfo(fmt.Sprintf("Inference time: %.2f ms", stats.AvgInferenceMs))
}
