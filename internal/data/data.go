package data

// Status is the phase a test session is in.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusInitializing    Status = "initializing"
	StatusTestingPing     Status = "testing_ping"
	StatusTestingDownload Status = "testing_download"
	StatusTestingUpload   Status = "testing_upload"
	StatusComplete        Status = "complete"
	StatusError           Status = "error"
)

// Restartable reports whether a new test may be started from s.
func (s Status) Restartable() bool {
	switch s {
	case StatusIdle, StatusComplete, StatusError:
		return true
	}
	return false
}

// Location is one entry of the CDN locations list.
type Location struct {
	IATA   string  `json:"iata"`
	City   string  `json:"city"`
	CCA2   string  `json:"cca2"`
	Region string  `json:"region"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// TestResult is a finished measurement. It is never mutated once built.
type TestResult struct {
	Timestamp     string  `json:"timestamp"`
	Ping          float64 `json:"ping"`
	Jitter        float64 `json:"jitter"`
	Download      float64 `json:"download"`
	Upload        float64 `json:"upload"`
	Server        string  `json:"server"`
	Location      string  `json:"location"`
	Distance      float64 `json:"distance"`
	ServerLatency float64 `json:"server_latency"`
	ISP           string  `json:"isp"`
	IP            string  `json:"ip"`
}

// SessionState is a snapshot of the single test session.
// Snapshots are replaced as a whole, never edited in place.
type SessionState struct {
	RunID         string      `json:"run_id,omitempty"`
	Status        Status      `json:"status"`
	Progress      int         `json:"progress"`
	CurrentResult *TestResult `json:"result"`
	ErrorMessage  *string     `json:"error"`
}

// NetworkInfo describes the client and the measurement server.
type NetworkInfo struct {
	Name     string  `json:"name"`
	Location string  `json:"location"`
	Distance float64 `json:"distance"`
	ISP      string  `json:"isp"`
	IP       string  `json:"ip"`
}

// UnknownNetworkInfo is reported whenever the lookup fails.
func UnknownNetworkInfo() NetworkInfo {
	return NetworkInfo{
		Name:     "Unknown",
		Location: "Unknown",
		ISP:      "Unknown",
		IP:       "Unknown",
	}
}

type LatencyResult struct {
	Avg     float64
	Jitter  float64
	Min     float64
	Max     float64
	Samples int
}

// Throughput is the outcome of a download or upload probe.
// Mbps is zero when every attempt failed.
type Throughput struct {
	Mbps    float64
	Bytes   int64
	Seconds float64
	URL     string
}
