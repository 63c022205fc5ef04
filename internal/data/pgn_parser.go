package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/notnil/chess"

	"github.com/thyrook/chessnet/internal/rules"
)

// GameRecord is the main line of one game
type GameRecord struct {
	// Index is the position of the game in the input stream
	Index    int
	StartFEN string
	Moves    []rules.Move
	Tags     map[string]string
}

// RecordFromGame converts a parsed notnil game
func RecordFromGame(game *chess.Game, index int) (GameRecord, error) {
	if game == nil {
		return GameRecord{}, fmt.Errorf("game is nil")
	}
	positions := game.Positions()
	if len(positions) == 0 {
		return GameRecord{}, fmt.Errorf("game %d has no initial position", index)
	}

	rec := GameRecord{
		Index:    index,
		StartFEN: positions[0].String(),
		Tags:     make(map[string]string),
	}
	for _, tp := range game.TagPairs() {
		rec.Tags[tp.Key] = tp.Value
	}
	for _, m := range game.Moves() {
		rec.Moves = append(rec.Moves, rules.FromChessMove(m))
	}
	return rec, nil
}

// PGNFiles returns path itself, or the *.pgn files of a directory in name order
func PGNFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat PGN path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.pgn"))
	if err != nil {
		return nil, fmt.Errorf("failed to list PGN files: %w", err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no .pgn files in %s", path)
	}
	return files, nil
}

// ScanGames streams every game found under path to fn, numbering games
// across files. Returning an error from fn stops the scan.
func ScanGames(ctx context.Context, path string, fn func(GameRecord) error) error {
	files, err := PGNFiles(path)
	if err != nil {
		return err
	}
	index := 0
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("failed to open PGN file: %w", err)
		}
		n, err := scanReader(ctx, f, index, fn)
		f.Close()
		index += n
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
	}
	return nil
}

// errStop ends a scan early without reporting failure
var errStop = errors.New("stop scan")

func scanReader(ctx context.Context, r io.Reader, first int, fn func(GameRecord) error) (int, error) {
	scanner := chess.NewScanner(r)
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		game := scanner.Next()
		// the scanner yields an empty game after the last one in a file
		if game == nil || (len(game.Moves()) == 0 && len(game.TagPairs()) == 0) {
			continue
		}
		rec, err := RecordFromGame(game, first+n)
		if err != nil {
			return n, err
		}
		n++
		if err := fn(rec); err != nil {
			return n, err
		}
	}

	// EOF is expected at end of file, not an error
	if err := scanner.Err(); err != nil && err != io.EOF {
		return n, fmt.Errorf("error parsing PGN: %w", err)
	}
	return n, nil
}

// ParseGames reads all games from r
func ParseGames(r io.Reader) ([]GameRecord, error) {
	var games []GameRecord
	_, err := scanReader(context.Background(), r, 0, func(rec GameRecord) error {
		games = append(games, rec)
		return nil
	})
	return games, err
}

// ValidatePGN checks if a PGN file looks valid without fully parsing it
func ValidatePGN(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	content := make([]byte, 1024)
	n, err := file.Read(content)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read file: %w", err)
	}

	contentStr := string(content[:n])
	if !strings.Contains(contentStr, "[Event") && !strings.Contains(contentStr, "1.") {
		return fmt.Errorf("file does not appear to be a valid PGN file")
	}
	return nil
}
