package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/RyoshiTheDev/speedtest-website/internal/app"
	"github.com/RyoshiTheDev/speedtest-website/internal/client"
	"github.com/RyoshiTheDev/speedtest-website/internal/config"
	"github.com/RyoshiTheDev/speedtest-website/internal/location"
	"github.com/RyoshiTheDev/speedtest-website/internal/output"
	"github.com/RyoshiTheDev/speedtest-website/internal/probe"
	"github.com/RyoshiTheDev/speedtest-website/internal/server"
)

var logger = logging.Logger("main")

var (
	version         = "DEV"
	configPath      = pflag.StringP("config", "c", os.Getenv("SPEEDTEST_CONFIG"), "Path to a YAML config file.")
	host            = pflag.String("host", "", "Address to listen on.")
	port            = pflag.IntP("port", "p", 0, "Port to listen on.")
	debug           = pflag.Bool("debug", false, "Enable debug logging and gin debug mode.")
	ipv4            = pflag.BoolP("ipv4", "4", false, "Use IPv4 only for measurements.")
	ipv6            = pflag.BoolP("ipv6", "6", false, "Use IPv6 only for measurements.")
	interfaceName   = pflag.StringP("interface", "I", "", "Network interface or source IP address to measure from.")
	insecure        = pflag.Bool("insecure", false, "Skip TLS certificate verification (UNSAFE).")
	latencyAttempts = pflag.IntP("latency-attempts", "l", 0, "Number of latency attempts (1-10).")
	showVersion     = pflag.Bool("version", false, "Print the version and exit.")
)

func main() {
	pflag.Usage = func() {
		out := os.Stderr
		fmt.Fprintf(out, "Usage: %s [options...]\n\n", os.Args[0])
		fmt.Fprintln(out, "Serve a web page that measures network latency, download and upload speed.")
		fmt.Fprintln(out, "\nOptions:")
		pflag.PrintDefaults()
		fmt.Fprintf(out, "\nVersion: %s\n", version)
	}
	pflag.CommandLine.Init(os.Args[0], pflag.ContinueOnError)
	if err := pflag.CommandLine.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "\nError parsing flags: %v\n", err)
		os.Exit(2)
	}

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *ipv4 && *ipv6 {
		fmt.Fprintln(os.Stderr, "Error: --ipv4 (-4) and --ipv6 (-6) flags cannot be used together.")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logging.SetAllLoggers(logging.LevelInfo)
	if cfg.Server.Debug {
		logging.SetAllLoggers(logging.LevelDebug)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		handleStartupError(err, cfg.Network.Interface)
		os.Exit(1)
	}
}

// applyFlags lets explicitly set flags override the file and environment.
func applyFlags(cfg *config.Config) {
	flags := pflag.CommandLine
	if flags.Changed("host") {
		cfg.Server.Host = *host
	}
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("debug") {
		cfg.Server.Debug = *debug
	}
	if flags.Changed("ipv4") {
		cfg.Network.IPv4Only = *ipv4
	}
	if flags.Changed("ipv6") {
		cfg.Network.IPv6Only = *ipv6
	}
	if flags.Changed("interface") {
		cfg.Network.Interface = *interfaceName
	}
	if flags.Changed("insecure") {
		cfg.Network.Insecure = *insecure
	}
	if flags.Changed("latency-attempts") {
		cfg.Latency.Attempts = *latencyAttempts
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Network.Insecure {
		output.PrintWarning(os.Stderr, "Skipping TLS certificate verification (--insecure). This is potentially unsafe!")
	}

	dialer, err := client.NewDialer(client.Options{
		IPv4Only:  cfg.Network.IPv4Only,
		IPv6Only:  cfg.Network.IPv6Only,
		Interface: cfg.Network.Interface,
		Insecure:  cfg.Network.Insecure,
	})
	if err != nil {
		return errors.Wrap(err, "error creating dialer")
	}
	httpClient := client.NewHTTPClient(dialer, time.Minute)

	latency := &probe.Latency{
		Dial:             dialer.DialContext,
		Hosts:            cfg.Latency.Hosts,
		Attempts:         cfg.Latency.Attempts,
		Timeout:          cfg.Latency.Timeout,
		Interval:         cfg.Latency.Interval,
		MinSamples:       cfg.Latency.MinSamples,
		Client:           httpClient,
		FallbackURL:      cfg.Latency.FallbackURL,
		FallbackAttempts: cfg.Latency.FallbackAttempts,
	}
	download := &probe.Download{
		Client:    httpClient,
		URLs:      cfg.Download.URLs,
		TimeCap:   cfg.Download.TimeCap,
		ChunkSize: cfg.Download.ChunkSize,
		MinBytes:  cfg.Download.MinBytes,
	}
	upload := &probe.Upload{
		Client:  httpClient,
		URL:     cfg.Upload.URL,
		Size:    cfg.Upload.Size,
		Timeout: cfg.Upload.Timeout,
	}

	history := app.NewHistory(cfg.History.Capacity)
	tester := app.NewTester(ctx, app.Options{
		Latency:  latency,
		Download: download,
		Upload:   upload,
		Resolver: location.NewResolver(httpClient, cfg.Location),
		History:  history,
		Out:      os.Stdout,
	})
	defer tester.Close()

	latency.Progress = tester.Progress
	download.Progress = tester.Progress
	upload.Progress = tester.Progress

	srv, err := server.New(server.Options{
		Tester:  tester,
		History: history,
		Exposed: cfg.History.Exposed,
		Debug:   cfg.Server.Debug,
		Version: version,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.Addr())
	}
	output.PrintBanner(os.Stdout, version, bannerAddrs(ln.Addr(), cfg.Server.Host))

	return srv.Serve(ctx, ln, cfg.Server.ShutdownTimeout)
}

// bannerAddrs lists where the page can be opened. A wildcard listener is
// shown as localhost plus every local unicast address.
func bannerAddrs(addr net.Addr, host string) []string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return []string{addr.String()}
	}

	port := strconv.Itoa(tcp.Port)
	addrs := []string{net.JoinHostPort("localhost", port)}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return addrs
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if host == "0.0.0.0" && ipNet.IP.To4() == nil {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ipNet.IP.String(), port))
	}
	return addrs
}

func handleStartupError(err error, iface string) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "failed to find interface"):
		fmt.Fprintln(os.Stderr, "Hint: Ensure the specified interface name exists and is correct.")
	case strings.Contains(msg, "no suitable"):
		fmt.Fprintf(os.Stderr, "Hint: Check if interface %q has an IP address matching the requested family (IPv4/IPv6).\n", iface)
	case strings.Contains(msg, "failed to listen"):
		fmt.Fprintln(os.Stderr, "Hint: The port may already be in use. Choose another with --port (-p) or PORT.")
	case strings.Contains(msg, "root CA"):
		fmt.Fprintln(os.Stderr, "Hint: If you trust the network, try the --insecure flag (use with caution).")
	}
}
