package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

type family int

const (
	anyFamily family = iota
	ipv4Family
	ipv6Family
)

func (f family) accepts(ip net.IP) bool {
	switch f {
	case ipv4Family:
		return ip.To4() != nil
	case ipv6Family:
		return ip.To4() == nil
	}
	return true
}

func (f family) network() string {
	switch f {
	case ipv4Family:
		return "tcp4"
	case ipv6Family:
		return "tcp6"
	}
	return "tcp"
}

func (f family) queryTypes() []uint16 {
	switch f {
	case ipv4Family:
		return []uint16{dns.TypeA}
	case ipv6Family:
		return []uint16{dns.TypeAAAA}
	}
	return []uint16{dns.TypeA, dns.TypeAAAA}
}

type dohServer struct {
	address string
	sni     string
	v4      bool
}

var dohServers = []dohServer{
	{"1.1.1.1:443", "cloudflare-dns.com", true},
	{"1.0.0.1:443", "cloudflare-dns.com", true},
	{"8.8.8.8:443", "dns.google", true},
	{"8.8.4.4:443", "dns.google", true},
	{"9.9.9.9:443", "dns.quad9.net", true},
	{"[2606:4700:4700::1111]:443", "cloudflare-dns.com", false},
	{"[2001:4860:4860::8888]:443", "dns.google", false},
	{"[2620:fe::fe]:443", "dns.quad9.net", false},
}

var plainServers = []struct {
	addr string
	v4   bool
}{
	{"1.1.1.1:53", true},
	{"8.8.8.8:53", true},
	{"9.9.9.9:53", true},
	{"[2606:4700:4700::1111]:53", false},
}

// exchangeFunc sends one DNS query to one upstream.
type exchangeFunc func(ctx context.Context, m *dns.Msg) (*dns.Msg, error)

// resolveHost tries DNS-over-HTTPS, then the system resolver, then plain DNS.
func resolveHost(ctx context.Context, host string, fam family, rootCAs *x509.CertPool, insecure bool) ([]net.IP, error) {
	var failures []error

	ips, err := raceExchange(ctx, host, fam, dohExchangers(fam, rootCAs, insecure))
	if err == nil {
		return ips, nil
	}
	failures = append(failures, errors.Wrap(err, "DoH"))

	ips, err = systemLookup(ctx, host, fam)
	if err == nil {
		return ips, nil
	}
	failures = append(failures, errors.Wrap(err, "system DNS"))

	ips, err = raceExchange(ctx, host, fam, plainExchangers(fam))
	if err == nil {
		return ips, nil
	}
	failures = append(failures, errors.Wrap(err, "direct DNS"))

	logger.Debugf("resolution of %s failed: %v", host, failures)
	return nil, errors.Errorf("all resolution methods failed for %s: %v", host, failures)
}

func systemLookup(ctx context.Context, host string, fam family) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range addrs {
		if a.IP.IsUnspecified() || a.IP.IsLoopback() || !fam.accepts(a.IP) {
			continue
		}
		ips = append(ips, a.IP)
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable addresses")
	}
	return ips, nil
}

// raceExchange sends each query type to every upstream at once and keeps the
// first usable answer. Query types are tried in order until one yields IPs.
func raceExchange(ctx context.Context, host string, fam family, upstreams []exchangeFunc) ([]net.IP, error) {
	if len(upstreams) == 0 {
		return nil, errors.New("no upstreams for the requested address family")
	}

	for _, qtype := range fam.queryTypes() {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		queryCtx, cancel := context.WithCancel(ctx)
		answers := make(chan []net.IP, len(upstreams))
		var wg sync.WaitGroup

		for _, exchange := range upstreams {
			wg.Add(1)
			go func(exchange exchangeFunc) {
				defer wg.Done()
				resp, err := exchange(queryCtx, m.Copy())
				if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
					return
				}
				if ips := answerIPs(resp, qtype); len(ips) > 0 {
					answers <- ips
					cancel()
				}
			}(exchange)
		}

		wg.Wait()
		cancel()
		close(answers)

		if ips, ok := <-answers; ok {
			return ips, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, errors.Errorf("no usable IPs resolved for %s", host)
}

func answerIPs(resp *dns.Msg, qtype uint16) []net.IP {
	var ips []net.IP
	for _, rr := range resp.Answer {
		var ip net.IP
		switch a := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ip = a.A
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ip = a.AAAA
			}
		}
		if ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
			ips = append(ips, ip)
		}
	}
	return ips
}

func dohExchangers(fam family, rootCAs *x509.CertPool, insecure bool) []exchangeFunc {
	servers := make([]dohServer, 0, len(dohServers))
	for _, s := range dohServers {
		if (fam == ipv4Family && !s.v4) || (fam == ipv6Family && s.v4) {
			continue
		}
		servers = append(servers, s)
	}
	rand.Shuffle(len(servers), func(i, j int) { servers[i], servers[j] = servers[j], servers[i] })

	exchangers := make([]exchangeFunc, 0, len(servers))
	for _, s := range servers {
		exchangers = append(exchangers, newDoHExchange(s, rootCAs, insecure))
	}
	return exchangers
}

func newDoHExchange(server dohServer, rootCAs *x509.CertPool, insecure bool) exchangeFunc {
	network := "tcp4"
	if !server.v4 {
		network = "tcp6"
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName:         server.sni,
				RootCAs:            rootCAs,
				InsecureSkipVerify: insecure,
			},
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, server.address)
			},
			DisableKeepAlives:   true,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}

	return func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
		packed, err := m.Pack()
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("https://%s/dns-query?dns=%s", server.sni, base64.RawURLEncoding.EncodeToString(packed))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/dns-message")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("DoH %s returned status %d", server.sni, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return nil, err
		}
		answer := new(dns.Msg)
		if err := answer.Unpack(body); err != nil {
			return nil, err
		}
		return answer, nil
	}
}

func plainExchangers(fam family) []exchangeFunc {
	udp := &dns.Client{Net: "udp", Timeout: 3 * time.Second}
	var exchangers []exchangeFunc
	for _, s := range plainServers {
		if (fam == ipv4Family && !s.v4) || (fam == ipv6Family && s.v4) {
			continue
		}
		addr := s.addr
		exchangers = append(exchangers, func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
			resp, _, err := udp.ExchangeContext(ctx, m, addr)
			return resp, err
		})
	}
	rand.Shuffle(len(exchangers), func(i, j int) { exchangers[i], exchangers[j] = exchangers[j], exchangers[i] })
	return exchangers
}
