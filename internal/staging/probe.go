package staging

import (
	"os"
	"path/filepath"
)

// State is the outcome of an existing-file probe.
type State string

const (
	StateNotExists  State = "notExists"
	StateIncomplete State = "incomplete"
	StateComplete   State = "complete"
)

// ProbeResult describes what a probe found on disk.
type ProbeResult struct {
	State State
	Size  int64
	// Staged is set when the data lives in the staging directory rather than at the final path.
	Staged bool
	Path   string
}

// Probe inspects the final path and the staged copy inside stagingDir against
// the expected size. An expected size of zero or less means unknown, in which
// case any marker-free file counts as complete.
func Probe(finalPath, stagingDir string, expected int64) ProbeResult {
	if size, isDir, err := sizeOf(finalPath); err == nil {
		partial := HasPartialMarker(finalPath) || (isDir && DirHasPartials(finalPath))

		return ProbeResult{State: stateFor(size, expected, partial), Size: size, Path: finalPath}
	}

	if stagingDir == "" {
		return ProbeResult{State: StateNotExists}
	}

	staged := filepath.Join(stagingDir, filepath.Base(finalPath))

	if size, isDir, err := sizeOf(staged); err == nil {
		partial := HasPartialMarker(staged) || (isDir && DirHasPartials(staged))

		return ProbeResult{State: stateFor(size, expected, partial), Size: size, Staged: true, Path: staged}
	}

	if info, err := os.Stat(stagingDir); err == nil && info.IsDir() {
		entries, _ := os.ReadDir(stagingDir)
		if len(entries) > 0 {
			size, _, _ := sizeOf(stagingDir)

			return ProbeResult{State: StateIncomplete, Size: size, Staged: true, Path: stagingDir}
		}
	}

	return ProbeResult{State: StateNotExists}
}

func stateFor(size, expected int64, partial bool) State {
	switch {
	case partial:
		return StateIncomplete
	case expected > 0 && size < expected:
		return StateIncomplete
	case expected <= 0 && size == 0:
		return StateIncomplete
	}

	return StateComplete
}

// Action is what the orchestrator does with an existing file.
type Action string

const (
	ActionDownload          Action = "download"
	ActionResume            Action = "resume"
	ActionRedownload        Action = "redownload"
	ActionRedownloadNewName Action = "redownloadNewName"
	ActionSkip              Action = "skip"
	ActionCancel            Action = "cancel"
)

// Decide maps a probe result to an action. When auto is false and something
// exists on disk the choice belongs to the user; deferred is then true and
// the returned action is the suggested default.
func Decide(r ProbeResult, auto bool) (action Action, deferred bool) {
	switch r.State {
	case StateComplete:
		if auto {
			return ActionSkip, false
		}

		return ActionRedownloadNewName, true
	case StateIncomplete:
		if auto {
			return ActionResume, false
		}

		return ActionResume, true
	}

	return ActionDownload, false
}
