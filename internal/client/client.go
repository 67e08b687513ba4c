package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	"github.com/gwatts/rootcerts"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var logger = logging.Logger("client")

const (
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	perIPTimeout = 2 * time.Second
)

// Options controls outbound connections made by the probers.
type Options struct {
	IPv4Only  bool
	IPv6Only  bool
	Interface string // interface name or source IP
	Insecure  bool
	Timeout   time.Duration // connect timeout, 30s when zero
}

// BrowserTransport adds browser-like headers to every request.
type BrowserTransport struct {
	Base http.RoundTripper
}

func (t *BrowserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	if clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", userAgent)
	}
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", "*/*")
	}
	clone.Header.Set("Accept-Language", "en-US,en;q=0.9")
	clone.Header.Set("Cache-Control", "no-cache")

	return t.Base.RoundTrip(clone)
}

// Dialer opens TCP connections honouring the address family and source
// interface restrictions, resolving names through the fallback chain.
type Dialer struct {
	net      *net.Dialer
	family   family
	rootCAs  *x509.CertPool
	insecure bool
	resolve  func(ctx context.Context, host string) ([]net.IP, error)
}

func NewDialer(opts Options) (*Dialer, error) {
	if opts.IPv4Only && opts.IPv6Only {
		return nil, errors.New("ipv4-only and ipv6-only cannot be combined")
	}

	fam := anyFamily
	switch {
	case opts.IPv4Only:
		fam = ipv4Family
	case opts.IPv6Only:
		fam = ipv6Family
	}

	localAddr, err := getLocalAddr(opts.Interface, fam)
	if err != nil {
		return nil, err
	}
	// A bound source address pins the family.
	if localAddr != nil {
		if localAddr.IP.To4() != nil {
			fam = ipv4Family
		} else {
			fam = ipv6Family
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	d := &Dialer{
		net: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		},
		family:   fam,
		insecure: opts.Insecure,
	}
	if localAddr != nil {
		d.net.LocalAddr = localAddr
	}

	if !opts.Insecure {
		d.rootCAs = rootcerts.ServerCertPool()
		if d.rootCAs == nil {
			return nil, errors.New("unable to obtain a root CA pool")
		}
	}

	d.resolve = func(ctx context.Context, host string) ([]net.IP, error) {
		return resolveHost(ctx, host, d.family, d.rootCAs, d.insecure)
	}
	return d, nil
}

// DialContext has the signature of net.Dialer.DialContext.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid address %q", addr)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !d.family.accepts(ip) {
			return nil, errors.Errorf("target %s does not match required network %s", host, d.family.network())
		}
		return d.net.DialContext(ctx, networkFor(ip), addr)
	}

	ips, err := d.resolve(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "DNS resolution failed for %s", host)
	}

	var firstErr error
	for _, ip := range ips {
		if !d.family.accepts(ip) {
			continue
		}
		// Bound each IP so one blackholed address cannot stall the whole dial.
		dialCtx, cancel := context.WithTimeout(ctx, perIPTimeout)
		conn, err := d.net.DialContext(dialCtx, networkFor(ip), net.JoinHostPort(ip.String(), port))
		cancel()
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if firstErr == nil {
		return nil, errors.Errorf("no usable %s address for %s", d.family.network(), host)
	}
	return nil, errors.Wrapf(firstErr, "connection failed to all resolved IPs for %s", addr)
}

// NewHTTPClient builds the client every prober shares.
func NewHTTPClient(d *Dialer, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: d.DialContext,
		TLSClientConfig: &tls.Config{
			RootCAs:            d.rootCAs,
			InsecureSkipVerify: d.insecure,
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: &BrowserTransport{Base: transport},
		Timeout:   timeout,
	}
}

func networkFor(ip net.IP) string {
	if ip.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

func getLocalAddr(interfaceOrIP string, fam family) (*net.TCPAddr, error) {
	if interfaceOrIP == "" {
		return nil, nil
	}

	if ip := net.ParseIP(interfaceOrIP); ip != nil {
		if !fam.accepts(ip) {
			return nil, errors.Errorf("source IP %s does not match required network %s", interfaceOrIP, fam.network())
		}
		return &net.TCPAddr{IP: ip}, nil
	}

	iface, err := net.InterfaceByName(interfaceOrIP)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find interface %q", interfaceOrIP)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get addresses for interface %q", interfaceOrIP)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}

	ip := pickSourceIP(ips, fam)
	if ip == nil {
		return nil, errors.Errorf("no suitable %s address found for interface %q", fam.network(), interfaceOrIP)
	}
	logger.Debugf("binding outbound connections to %s (%s)", ip, interfaceOrIP)
	return &net.TCPAddr{IP: ip}, nil
}

// pickSourceIP prefers a global IPv6 address, then IPv4, then link-local IPv6.
func pickSourceIP(ips []net.IP, fam family) net.IP {
	var v4, linkLocal net.IP
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsUnspecified() || !fam.accepts(ip) {
			continue
		}
		switch {
		case ip.To4() != nil:
			if v4 == nil {
				v4 = ip
			}
		case ip.IsLinkLocalUnicast():
			if linkLocal == nil {
				linkLocal = ip
			}
		default:
			return ip
		}
	}
	if v4 != nil {
		return v4
	}
	return linkLocal
}
