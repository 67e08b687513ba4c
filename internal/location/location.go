package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"

	"github.com/RyoshiTheDev/speedtest-website/internal/config"
	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

var logger = logging.Logger("location")

const earthRadiusKm = 6371.0

// Resolver attaches best-effort client and server metadata to a result.
type Resolver struct {
	client    *http.Client
	cfg       config.LocationConfig
	clients   *ttlcache.Cache[string, clientInfo]
	locations *ttlcache.Cache[string, []data.Location]
}

func NewResolver(client *http.Client, cfg config.LocationConfig) *Resolver {
	return &Resolver{
		client: client,
		cfg:    cfg,
		clients: ttlcache.New[string, clientInfo](
			ttlcache.WithTTL[string, clientInfo](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, clientInfo](),
		),
		locations: ttlcache.New[string, []data.Location](
			ttlcache.WithTTL[string, []data.Location](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []data.Location](),
		),
	}
}

// Resolve never fails. Whatever could not be looked up keeps the
// placeholder value of data.UnknownNetworkInfo.
func (r *Resolver) Resolve(ctx context.Context) data.NetworkInfo {
	info := data.UnknownNetworkInfo()

	client, err := r.lookupClient(ctx)
	if err != nil {
		logger.Warnf("client lookup failed: %v", err)
	} else {
		info.IP = client.IP
		if client.ISP != "" {
			info.ISP = client.ISP
			info.Name = client.ISP
		}
		if place := client.place(); place != "" {
			info.Location = place
		}
	}

	server, err := r.lookupServer(ctx)
	if err != nil {
		logger.Warnf("server lookup failed: %v", err)
		return info
	}

	info.Name = "Cloudflare " + server.IATA
	if place := joinPlace(server.City, server.Country); place != "" {
		info.Location = place
	}
	if client.HasCoords {
		info.Distance = math.Round(haversine(client.Lat, client.Lon, server.Lat, server.Lon)*100) / 100
	}
	if info.IP == "Unknown" && server.ClientIP != "" {
		info.IP = server.ClientIP
	}
	return info
}

type serverInfo struct {
	IATA     string
	City     string
	Country  string
	Lat      float64
	Lon      float64
	ClientIP string
}

func (r *Resolver) lookupServer(ctx context.Context) (serverInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	trace, err := r.getServerTrace(ctx)
	if err != nil {
		return serverInfo{}, err
	}
	colo := trace["colo"]
	if colo == "" {
		return serverInfo{}, errors.New("trace carried no colo")
	}

	locs, err := r.fetchLocations(ctx)
	if err != nil {
		return serverInfo{}, err
	}
	loc, err := FindLocation(colo, locs)
	if err != nil {
		return serverInfo{}, err
	}

	return serverInfo{
		IATA:     loc.IATA,
		City:     loc.City,
		Country:  loc.CCA2,
		Lat:      loc.Lat,
		Lon:      loc.Lon,
		ClientIP: trace["ip"],
	}, nil
}

func (r *Resolver) getServerTrace(ctx context.Context) (map[string]string, error) {
	body, err := r.get(ctx, r.cfg.TraceURL, 16*1024)
	if err != nil {
		return nil, errors.Wrap(err, "trace request failed")
	}
	return ParseTrace(string(body)), nil
}

func (r *Resolver) fetchLocations(ctx context.Context) ([]data.Location, error) {
	if item := r.locations.Get(r.cfg.LocationsURL); item != nil {
		return item.Value(), nil
	}

	body, err := r.get(ctx, r.cfg.LocationsURL, 4<<20)
	if err != nil {
		return nil, errors.Wrap(err, "locations request failed")
	}

	var locations []data.Location
	if err := json.Unmarshal(body, &locations); err != nil {
		return nil, errors.Wrap(err, "failed to decode locations")
	}
	sort.Slice(locations, func(i, j int) bool {
		return locations[i].IATA < locations[j].IATA
	})

	r.locations.Set(r.cfg.LocationsURL, locations, ttlcache.DefaultTTL)
	return locations, nil
}

func (r *Resolver) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("status code: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// ParseTrace parses the key=value lines of a cdn-cgi/trace response.
func ParseTrace(body string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		if parts := strings.SplitN(strings.TrimSpace(line), "=", 2); len(parts) == 2 {
			info[parts[0]] = parts[1]
		}
	}
	return info
}

func FindLocation(iata string, locs []data.Location) (data.Location, error) {
	i := sort.Search(len(locs), func(i int) bool { return locs[i].IATA >= iata })
	if i < len(locs) && locs[i].IATA == iata {
		return locs[i], nil
	}
	return data.Location{}, fmt.Errorf("server location %q not found", iata)
}

func joinPlace(city, country string) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case city != "":
		return city
	}
	return country
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180.0)
	dLon := (lon2 - lon1) * (math.Pi / 180.0)

	lat1 = lat1 * (math.Pi / 180.0)
	lat2 = lat2 * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}
