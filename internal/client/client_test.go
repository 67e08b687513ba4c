package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDialerRejectsConflictingFamilies(t *testing.T) {
	_, err := NewDialer(Options{IPv4Only: true, IPv6Only: true})
	require.Error(t, err)
}

func TestNewDialerSourceIPPinsFamily(t *testing.T) {
	d, err := NewDialer(Options{Interface: "127.0.0.1", Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, ipv4Family, d.family)

	_, err = NewDialer(Options{Interface: "127.0.0.1", IPv6Only: true, Insecure: true})
	require.Error(t, err)
}

func TestFamily(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	v6 := net.ParseIP("2001:db8::1")

	assert.True(t, anyFamily.accepts(v4))
	assert.True(t, anyFamily.accepts(v6))
	assert.True(t, ipv4Family.accepts(v4))
	assert.False(t, ipv4Family.accepts(v6))
	assert.False(t, ipv6Family.accepts(v4))
	assert.Equal(t, []uint16{dns.TypeA, dns.TypeAAAA}, anyFamily.queryTypes())
	assert.Equal(t, []uint16{dns.TypeAAAA}, ipv6Family.queryTypes())
	assert.Equal(t, "tcp4", ipv4Family.network())
}

func TestPickSourceIP(t *testing.T) {
	loopback := net.ParseIP("127.0.0.1")
	v4 := net.ParseIP("192.0.2.10")
	linkLocal := net.ParseIP("fe80::1")
	global := net.ParseIP("2001:db8::10")

	assert.Equal(t, global, pickSourceIP([]net.IP{loopback, v4, linkLocal, global}, anyFamily))
	assert.Equal(t, v4, pickSourceIP([]net.IP{loopback, linkLocal, v4}, anyFamily))
	assert.Equal(t, linkLocal, pickSourceIP([]net.IP{v4, linkLocal}, ipv6Family))
	assert.Nil(t, pickSourceIP([]net.IP{loopback}, anyFamily))
}

func TestAnswerIPsFiltersByTypeAndScope(t *testing.T) {
	resp := new(dns.Msg)
	resp.Answer = []dns.RR{
		&dns.A{A: net.ParseIP("192.0.2.1")},
		&dns.A{A: net.ParseIP("127.0.0.1")},
		&dns.AAAA{AAAA: net.ParseIP("2001:db8::1")},
	}

	ips := answerIPs(resp, dns.TypeA)
	require.Len(t, ips, 1)
	assert.Equal(t, "192.0.2.1", ips[0].String())

	ips = answerIPs(resp, dns.TypeAAAA)
	require.Len(t, ips, 1)
	assert.Equal(t, "2001:db8::1", ips[0].String())
}

func TestRaceExchangeFirstUsableAnswerWins(t *testing.T) {
	failing := func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
		return nil, errors.New("unreachable")
	}
	answering := func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(m)
		if m.Question[0].Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{A: net.ParseIP("198.51.100.7")})
		}
		return resp, nil
	}

	ips, err := raceExchange(context.Background(), "example.test", anyFamily, []exchangeFunc{failing, answering})
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "198.51.100.7", ips[0].String())

	_, err = raceExchange(context.Background(), "example.test", anyFamily, []exchangeFunc{failing})
	require.Error(t, err)

	_, err = raceExchange(context.Background(), "example.test", anyFamily, nil)
	require.Error(t, err)
}

func TestDialContextUsesResolvedAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	var resolved string
	d := &Dialer{
		net:    &net.Dialer{Timeout: time.Second},
		family: anyFamily,
		resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			resolved = host
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		},
	}

	conn, err := d.DialContext(context.Background(), "tcp", net.JoinHostPort("speed.example.test", port))
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, "speed.example.test", resolved)

	conn, err = d.DialContext(context.Background(), "tcp", srv.Listener.Addr().String())
	require.NoError(t, err, "literal IPs skip resolution")
	conn.Close()
}

func TestDialContextRejectsWrongFamily(t *testing.T) {
	d := &Dialer{net: &net.Dialer{}, family: ipv6Family}
	_, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:80")
	require.Error(t, err)

	d.resolve = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.0.2.1")}, nil
	}
	_, err = d.DialContext(context.Background(), "tcp", "v4only.example.test:443")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable tcp6 address")
}

func TestHTTPClientSendsBrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	d, err := NewDialer(Options{Insecure: true})
	require.NoError(t, err)
	httpClient := NewHTTPClient(d, 5*time.Second)

	resp, err := httpClient.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, userAgent, got.Get("User-Agent"))
	assert.Equal(t, "no-cache", got.Get("Cache-Control"))
	assert.Equal(t, "*/*", got.Get("Accept"))
	assert.Equal(t, 5*time.Second, httpClient.Timeout)
}
