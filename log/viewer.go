package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ansible-chroot/config"

	"golang.org/x/term"
)

// FindRunLog returns the transcript path of the run whose ID starts with
// prefix. The prefix must select exactly one transcript.
func FindRunLog(cfg *config.Config, prefix string) (string, error) {
	if prefix == "" || strings.ContainsAny(prefix, `/\*?[`) {
		return "", fmt.Errorf("invalid run ID %q", prefix)
	}

	matches, err := filepath.Glob(filepath.Join(cfg.LogsPath, RunLogDir, prefix+"*.log"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no transcript for run %s in %s", prefix, filepath.Join(cfg.LogsPath, RunLogDir))
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("run ID %s is ambiguous (%d transcripts)", prefix, len(matches))
}

// ViewRunLog writes the transcript of a run to w. With lines > 0 only the
// last lines are written. A full transcript written to a terminal goes
// through $PAGER (default less) when one is installed.
func ViewRunLog(cfg *config.Config, runID string, w io.Writer, lines int) error {
	path, err := FindRunLog(cfg, runID)
	if err != nil {
		return err
	}

	if lines > 0 {
		return tailFile(path, w, lines)
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if pager, ok := findPager(); ok {
			return viewWithPager(pager, path, f)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening transcript: %w", err)
	}
	defer file.Close()

	_, err = io.Copy(w, file)
	return err
}

// findPager returns the pager to use, if it is installed.
func findPager() (string, bool) {
	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}

	path, err := exec.LookPath(pager)
	return path, err == nil
}

func viewWithPager(pager, path string, out *os.File) error {
	cmd := exec.Command(pager, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// tailFile writes the last n lines of path to w.
func tailFile(path string, w io.Writer, n int) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening transcript: %w", err)
	}
	defer file.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for _, line := range ring {
		fmt.Fprintln(w, line)
	}
	return nil
}
