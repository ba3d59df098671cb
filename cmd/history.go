package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"ansible-chroot/rundb"
	"ansible-chroot/service"
	"ansible-chroot/util"

	"github.com/olekukonko/tablewriter"
)

func showHistory(w io.Writer, svc *service.Service, n int) error {
	runs, err := svc.History(n)
	if err != nil {
		return err
	}
	return renderHistory(w, runs)
}

// renderHistory prints runs as a table, newest first.
func renderHistory(w io.Writer, runs []rundb.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Run", "Program", "Host", "Action", "Status", "Started", "Duration", "Target")
	for _, rec := range runs {
		duration := "-"
		if !rec.EndTime.IsZero() {
			duration = util.FormatDuration(int64(rec.Duration() / time.Second))
		}
		status := rec.Status
		if rec.Error != "" {
			status += ": " + util.Truncate(firstLine(rec.Error), 60)
		}
		if err := table.Append([]string{
			rec.ID,
			rec.Program,
			rec.Host,
			rec.Action,
			status,
			rec.StartTime.Local().Format("2006-01-02 15:04:05"),
			duration,
			rec.Target,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type unexpectedArgsError struct {
	Args []string
}

func (e *unexpectedArgsError) Error() string {
	return "unrecognized arguments: " + strings.Join(e.Args, " ")
}
