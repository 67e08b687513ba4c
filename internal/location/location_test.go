package location

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyoshiTheDev/speedtest-website/internal/config"
	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

const (
	traceBody = "fl=123f1\nh=speed.cloudflare.com\nip=203.0.113.7\nts=1700000000.1\ncolo=FRA\nloc=DE\n"
	locsBody  = `[
		{"iata":"AMS","city":"Amsterdam","cca2":"NL","region":"Europe","lat":52.30,"lon":4.76},
		{"iata":"FRA","city":"Frankfurt","cca2":"DE","region":"Europe","lat":50.03,"lon":8.57}
	]`
	geoBody = `{"ip":"203.0.113.7","city":"Berlin","region":"Berlin","country":"DE","loc":"52.5200,13.4050","org":"AS3320 Deutsche Telekom AG"}`
)

type endpoints struct {
	geo, trace, locs atomic.Int32
	failGeo          bool
	failTrace        bool
}

func newEndpoints(t *testing.T, e *endpoints) (*httptest.Server, config.LocationConfig) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		e.geo.Add(1)
		if e.failGeo {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(geoBody))
	})
	mux.HandleFunc("/cdn-cgi/trace", func(w http.ResponseWriter, r *http.Request) {
		e.trace.Add(1)
		if e.failTrace {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(traceBody))
	})
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		e.locs.Add(1)
		w.Write([]byte(locsBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, config.LocationConfig{
		GeoURL:       srv.URL + "/json",
		TraceURL:     srv.URL + "/cdn-cgi/trace",
		LocationsURL: srv.URL + "/locations",
		Timeout:      2 * time.Second,
		CacheTTL:     time.Minute,
	}
}

func TestResolveJoinsClientAndServer(t *testing.T) {
	e := &endpoints{}
	srv, cfg := newEndpoints(t, e)
	r := NewResolver(srv.Client(), cfg)

	info := r.Resolve(context.Background())
	assert.Equal(t, "Cloudflare FRA", info.Name)
	assert.Equal(t, "Frankfurt, DE", info.Location)
	assert.Equal(t, "Deutsche Telekom AG", info.ISP)
	assert.Equal(t, "203.0.113.7", info.IP)
	assert.InDelta(t, 435, info.Distance, 15)
}

func TestResolveCachesLookups(t *testing.T) {
	e := &endpoints{}
	srv, cfg := newEndpoints(t, e)
	r := NewResolver(srv.Client(), cfg)

	first := r.Resolve(context.Background())
	second := r.Resolve(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), e.geo.Load())
	assert.Equal(t, int32(1), e.locs.Load())
	assert.Equal(t, int32(2), e.trace.Load(), "the serving colo may change between runs")
}

func TestResolveTraceFailureKeepsClientInfo(t *testing.T) {
	e := &endpoints{failTrace: true}
	srv, cfg := newEndpoints(t, e)

	info := NewResolver(srv.Client(), cfg).Resolve(context.Background())
	assert.Equal(t, "Deutsche Telekom AG", info.Name)
	assert.Equal(t, "Berlin, DE", info.Location)
	assert.Equal(t, "203.0.113.7", info.IP)
	assert.Zero(t, info.Distance)
}

func TestResolveGeoFailureUsesTraceIP(t *testing.T) {
	e := &endpoints{failGeo: true}
	srv, cfg := newEndpoints(t, e)

	info := NewResolver(srv.Client(), cfg).Resolve(context.Background())
	assert.Equal(t, "Cloudflare FRA", info.Name)
	assert.Equal(t, "Unknown", info.ISP)
	assert.Equal(t, "203.0.113.7", info.IP)
	assert.Zero(t, info.Distance)
}

func TestResolveTotalFailureIsPlaceholder(t *testing.T) {
	cfg := config.LocationConfig{
		GeoURL:       "http://127.0.0.1:1/json",
		TraceURL:     "http://127.0.0.1:1/trace",
		LocationsURL: "http://127.0.0.1:1/locations",
		Timeout:      time.Second,
		CacheTTL:     time.Minute,
	}

	info := NewResolver(&http.Client{}, cfg).Resolve(context.Background())
	assert.Equal(t, data.UnknownNetworkInfo(), info)
}

func TestParseTrace(t *testing.T) {
	trace := ParseTrace(traceBody + "malformed\n\n")
	assert.Equal(t, "FRA", trace["colo"])
	assert.Equal(t, "203.0.113.7", trace["ip"])
	assert.NotContains(t, trace, "malformed")
}

func TestFindLocation(t *testing.T) {
	locs := []data.Location{{IATA: "AMS"}, {IATA: "FRA"}, {IATA: "LHR"}}

	loc, err := FindLocation("FRA", locs)
	require.NoError(t, err)
	assert.Equal(t, "FRA", loc.IATA)

	_, err = FindLocation("CDG", locs)
	assert.Error(t, err)
}

func TestClientInfoResolve(t *testing.T) {
	c := clientInfo{Loc: "52.52, 13.405", Org: "AS3320 Deutsche Telekom AG"}
	c.resolve()
	assert.True(t, c.HasCoords)
	assert.Equal(t, 52.52, c.Lat)
	assert.Equal(t, "Deutsche Telekom AG", c.ISP)

	c = clientInfo{Loc: "nowhere", Org: "Example Hosting"}
	c.resolve()
	assert.False(t, c.HasCoords)
	assert.Equal(t, "Example Hosting", c.ISP)
}

func TestJoinPlace(t *testing.T) {
	assert.Equal(t, "Berlin, DE", joinPlace("Berlin", "DE"))
	assert.Equal(t, "Berlin", joinPlace("Berlin", ""))
	assert.Equal(t, "DE", joinPlace("", "DE"))
	assert.Equal(t, "", joinPlace("", ""))
}

func TestHaversine(t *testing.T) {
	assert.Zero(t, haversine(10, 10, 10, 10))
	// London to Paris is roughly 344 km.
	assert.InDelta(t, 344, haversine(51.5074, -0.1278, 48.8566, 2.3522), 2)
}
