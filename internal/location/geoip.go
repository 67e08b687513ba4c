package location

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

// clientInfo is the subset of the ipinfo.io response we use.
type clientInfo struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Loc     string `json:"loc"`
	Org     string `json:"org"`

	Lat, Lon  float64 `json:"-"`
	HasCoords bool    `json:"-"`
	ISP       string  `json:"-"`
}

// resolve splits the "lat,lon" and "AS123 Org" fields.
func (c *clientInfo) resolve() {
	if parts := strings.Split(c.Loc, ","); len(parts) == 2 {
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if latErr == nil && lonErr == nil {
			c.Lat, c.Lon, c.HasCoords = lat, lon, true
		}
	}

	c.ISP = c.Org
	if org := strings.SplitN(c.Org, " ", 2); len(org) == 2 && strings.HasPrefix(org[0], "AS") {
		c.ISP = org[1]
	}
}

func (c clientInfo) place() string {
	return joinPlace(c.City, c.Country)
}

func (r *Resolver) lookupClient(ctx context.Context) (clientInfo, error) {
	if item := r.clients.Get(r.cfg.GeoURL); item != nil {
		return item.Value(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.GeoURL, nil)
	if err != nil {
		return clientInfo{}, errors.Wrap(err, "failed to create geo request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return clientInfo{}, errors.Wrap(err, "geo lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return clientInfo{}, errors.Errorf("geo lookup returned status %d", resp.StatusCode)
	}

	var info clientInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return clientInfo{}, errors.Wrap(err, "failed to decode geo response")
	}
	if info.IP == "" {
		return clientInfo{}, errors.New("geo response carried no IP")
	}
	info.resolve()

	r.clients.Set(r.cfg.GeoURL, info, ttlcache.DefaultTTL)
	logger.Debugf("client %s: %s (%s)", info.IP, info.place(), info.ISP)
	return info, nil
}
