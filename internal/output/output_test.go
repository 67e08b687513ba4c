package output

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

func init() {
	color.NoColor = true
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, data.TestResult{
		Timestamp: "2024-05-01T10:00:00Z",
		Ping:      12.5,
		Jitter:    1.25,
		Download:  250.75,
		Upload:    40,
		Server:    "Cloudflare FRA",
		Location:  "Frankfurt, DE",
		Distance:  435.4,
		ISP:       "Example ISP",
	})

	out := buf.String()
	assert.Contains(t, out, "Test complete (2024-05-01T10:00:00Z)")
	assert.Contains(t, out, "12.50 ms (Jitter: 1.25 ms)")
	assert.Contains(t, out, "250.75 Mbps")
	assert.Contains(t, out, "40.00 Mbps")
	assert.Contains(t, out, "Cloudflare FRA - Frankfurt, DE")
	assert.Contains(t, out, "435 km")
	assert.Contains(t, out, "Example ISP")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "1.2.3", []string{"127.0.0.1:5000", "[::1]:5000"})

	out := buf.String()
	assert.Contains(t, out, "speedtest-website v1.2.3")
	assert.Contains(t, out, "http://127.0.0.1:5000")
	assert.Contains(t, out, "http://[::1]:5000")
}

func TestPrintFailureAndWarning(t *testing.T) {
	var buf bytes.Buffer
	PrintFailure(&buf, "run-1", "boom")
	PrintWarning(&buf, "skipping %s", "TLS verification")

	assert.Equal(t, "✗ Test run-1 failed: boom\nWarning: skipping TLS verification\n", buf.String())
}
