package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

const rule = 60

func PrintBanner(w io.Writer, version string, addrs []string) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "\n    speedtest-website v%s\n\n", version)

	green := color.New(color.FgGreen).SprintFunc()
	for _, addr := range addrs {
		fmt.Fprintf(w, "%s Listening on http://%s\n", green("✓"), addr)
	}
	fmt.Fprintln(w)
}

// PrintSummary writes the boxed result of a completed run.
func PrintSummary(w io.Writer, r data.TestResult) {
	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintln(w, strings.Repeat("=", rule))
	fmt.Fprintf(w, "%s Test complete (%s)\n", green("✓"), r.Timestamp)
	fmt.Fprintln(w, strings.Repeat("=", rule))
	fmt.Fprintf(w, "  %s   %.2f ms (Jitter: %.2f ms)\n", cyan("Latency:"), r.Ping, r.Jitter)
	fmt.Fprintf(w, "  %s  %.2f Mbps\n", cyan("Download:"), r.Download)
	fmt.Fprintf(w, "  %s    %.2f Mbps\n", cyan("Upload:"), r.Upload)
	fmt.Fprintf(w, "  %s    %s - %s\n", cyan("Server:"), r.Server, r.Location)
	fmt.Fprintf(w, "  %s  %.0f km\n", cyan("Distance:"), r.Distance)
	fmt.Fprintf(w, "  %s       %s\n", cyan("ISP:"), r.ISP)
	fmt.Fprintln(w, strings.Repeat("=", rule))
}

func PrintFailure(w io.Writer, runID, msg string) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(w, "%s Test %s failed: %s\n", red("✗"), runID, msg)
}

// PrintWarning writes a yellow warning line, as used for risky startup flags.
func PrintWarning(w io.Writer, format string, args ...interface{}) {
	yellow := color.New(color.FgYellow).FprintfFunc()
	yellow(w, "Warning: "+format+"\n", args...)
}
