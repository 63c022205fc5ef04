package training

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Unversioned tags runs started outside a git work tree
const Unversioned = "unversioned"

// GitDescribe returns `git describe --always --dirty --long` for the
// current directory, or Unversioned if git is unavailable
func GitDescribe(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "git", "describe", "--always", "--dirty", "--long").Output()
	if err != nil {
		return Unversioned
	}
	desc := strings.TrimSpace(string(out))
	if desc == "" {
		return Unversioned
	}
	return desc
}

// RunDirName names a run directory by start time and source version
func RunDirName(started time.Time, describe string) string {
	return started.Format("2006-01-02_15-04-05") + " " + describe
}

// CheckpointName names the checkpoint of a 1-based epoch
func CheckpointName(epoch int, valLoss float64) string {
	return fmt.Sprintf("model.%04d-%.2f.gob", epoch, valLoss)
}
