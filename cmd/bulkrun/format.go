package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"bulkrun/internal/batch"
	"bulkrun/internal/model"
)

const maxErrorsToShow = 5

func statusColor(s model.BatchStatus) *color.Color {
	switch s {
	case model.BatchCompleted:
		return color.New(color.FgGreen, color.Bold)
	case model.BatchFailed:
		return color.New(color.FgRed, color.Bold)
	case model.BatchCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func printProgress(w io.Writer, v batch.StatusView) {
	eta := ""
	if d := v.Progress.EstimatedRemaining; d != nil && *d > 0 {
		eta = " eta " + d.Round(time.Second).String()
	}
	fmt.Fprintf(w, "\r%s %3d%%  %s/%s done, %s failed%s   ",
		statusColor(v.Status).Sprintf("%-10s", v.Status),
		v.Progress.Percentage,
		humanize.Comma(int64(v.ProcessedItems)),
		humanize.Comma(int64(v.TotalItems)),
		humanize.Comma(int64(v.FailedItems)),
		eta,
	)
}

func printSummary(w io.Writer, v batch.StatusView, res batch.Results) {
	mark := color.GreenString("✓")
	if v.Status != model.BatchCompleted {
		mark = color.RedString("✗")
	}
	fmt.Fprintf(w, "%s batch %s %s (%s)\n", mark, v.BatchID, statusColor(v.Status).Sprint(v.Status), v.Type)
	fmt.Fprintf(w, "  items:      %s total, %s succeeded, %s failed, %s skipped\n",
		humanize.Comma(int64(res.Summary.Total)),
		humanize.Comma(int64(res.Summary.Successful)),
		humanize.Comma(int64(res.Summary.Failed)),
		humanize.Comma(int64(res.Summary.Skipped)),
	)
	if res.Summary.ProcessingTime > 0 {
		fmt.Fprintf(w, "  took:       %s (%s items/s)\n",
			res.Summary.ProcessingTime.Round(time.Millisecond),
			humanize.FtoaWithDigits(res.Summary.Throughput, 2),
		)
	}
	fmt.Fprintf(w, "  created:    %s\n", humanize.Time(v.CreatedAt))

	if len(res.Errors) == 0 {
		return
	}
	fmt.Fprintln(w, color.New(color.Bold).Sprint("  errors:"))
	for i, e := range res.Errors {
		if i == maxErrorsToShow {
			fmt.Fprintf(w, "    ... and %d more\n", len(res.Errors)-maxErrorsToShow)
			break
		}
		fmt.Fprintf(w, "    #%d %s %s\n", e.Index, color.YellowString(e.Code), e.Message)
	}
}

func printList(w io.Writer, views []batch.StatusView, total int) {
	if len(views) == 0 {
		fmt.Fprintln(w, "no batches")
		return
	}
	for _, v := range views {
		fmt.Fprintf(w, "%-36s  %s  %-7s %4d%%  %s/%s  %s\n",
			v.BatchID,
			statusColor(v.Status).Sprintf("%-10s", v.Status),
			v.Type,
			v.Progress.Percentage,
			humanize.Comma(int64(v.ProcessedItems)),
			humanize.Comma(int64(v.TotalItems)),
			humanize.Time(v.UpdatedAt),
		)
	}
	if total > len(views) {
		fmt.Fprintf(w, "showing %d of %s\n", len(views), humanize.Comma(int64(total)))
	}
}
