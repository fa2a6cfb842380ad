package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// printSummary renders a finished run as a per-task table followed by the
// most frequent errors.
func printSummary(w io.Writer, r *types.RunResult) {
	status := string(r.Status)
	if r.Status == types.StatusError {
		status = color.RedString(status)
	}
	fmt.Fprintf(w, "\nRun %s: %s in %.1fs, peak %d users, %.2f req/s\n",
		r.ID, status, float64(r.DurationMs)/1000, r.PeakUsers, r.AverageRPS)
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Type", "Name", "Requests", "Fails", "Fail %", "Avg ms", "P50 ms", "P95 ms", "Max ms", "Avg size"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, t := range r.Tasks {
		table.Append(taskRow(t.Category, t.Name, t.Requests, t.Failures, t.FailureRatio, t.Latency, t.AvgResponseSize))
	}
	var ratio float64
	if r.Requests > 0 {
		ratio = float64(r.Failures) / float64(r.Requests)
	}
	table.SetFooter(taskRow("", "Aggregated", r.Requests, r.Failures, ratio, r.Latency, -1))
	table.Render()

	if len(r.Errors) == 0 {
		return
	}
	fmt.Fprintln(w)
	errs := tablewriter.NewWriter(w)
	errs.SetHeader([]string{"Count", "Class", "Name", "Message"})
	errs.SetAutoWrapText(false)
	for _, e := range r.Errors {
		errs.Append([]string{strconv.FormatUint(e.Count, 10), e.Class, e.Name, e.Message})
	}
	errs.Render()
}

func taskRow(category, name string, requests, failures uint64, ratio float64, lat *types.LatencyStats, size float64) []string {
	row := []string{
		category,
		name,
		strconv.FormatUint(requests, 10),
		strconv.FormatUint(failures, 10),
		fmt.Sprintf("%.2f", ratio*100),
		"-", "-", "-", "-",
		"-",
	}
	if lat != nil && lat.Count > 0 {
		row[5] = fmt.Sprintf("%.1f", lat.Avg)
		row[6] = fmt.Sprintf("%.1f", lat.P50)
		row[7] = fmt.Sprintf("%.1f", lat.P95)
		row[8] = fmt.Sprintf("%.1f", lat.Max)
	}
	if size >= 0 {
		row[9] = fmt.Sprintf("%.0f", size)
	}
	return row
}
