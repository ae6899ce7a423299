package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wardenhq/warden"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./warden.yaml, ~/.warden/warden.yaml, /etc/warden/warden.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		addr        = flag.String("addr", "127.0.0.1:8080", "proxy listen address")
		caCertPath  = flag.String("ca-cert", "ca.crt", "path to CA certificate")
		caKeyPath   = flag.String("ca-key", "ca.key", "path to CA private key")
		allow       = flag.String("allow", "", "comma-separated allow-list patterns (e.g. api.github.com,*.golang.org)")
		allowFile   = flag.String("allow-file", "", "path to allow-list pattern file")
		noIntercept = flag.Bool("no-intercept", false, "relay allowed CONNECT tunnels opaquely instead of intercepting")
		firewall    = flag.Bool("firewall", false, "install the kernel egress filter (requires iptables and root)")
		genCA       = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		caOrg       = flag.String("ca-org", "Warden Proxy", "organization name for generated CA")
		verbose     = flag.Bool("v", false, "verbose logging")
		genPAC      = flag.String("gen-pac", "", "generate PAC file at path and exit")
		pacBypass   = flag.String("pac-bypass", "", "comma-separated domains to bypass proxy in PAC file")
	)
	flag.Parse()
	_ = verbose // consulted by name via flag.Visit below

	// Generate PAC file mode
	if *genPAC != "" {
		pac := warden.NewPACGenerator(*addr)
		for _, d := range splitList(*pacBypass) {
			pac.AddBypassDomain(d)
		}
		if err := pac.WriteFile(*genPAC); err != nil {
			fmt.Fprintln(os.Stderr, "generate PAC file:", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genPAC)
		return
	}

	// Generate example config mode
	if *genConfig {
		if err := warden.WriteExampleConfig("warden.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated warden.yaml")
		return
	}

	// Load config file; flags fill in when no file is found.
	cfg, err := warden.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Flags override only when explicitly set, so a config file and
	// flag defaults can coexist.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "ca-cert":
			cfg.TLS.CACert = *caCertPath
		case "ca-key":
			cfg.TLS.CAKey = *caKeyPath
		case "ca-org":
			cfg.TLS.Organization = *caOrg
		case "no-intercept":
			cfg.TLS.Intercept = !*noIntercept
		case "firewall":
			cfg.Firewall.Enabled = *firewall
		case "allow":
			cfg.Policy.Patterns = append(cfg.Policy.Patterns, splitList(*allow)...)
		case "allow-file":
			cfg.Policy.Sources = append(cfg.Policy.Sources, warden.SourceConfig{Type: "file", Path: *allowFile})
		case "v":
			cfg.Logging.Level = "debug"
		}
	})

	// Set up logging
	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "set up logging:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// Generate CA mode
	if *genCA {
		if err := generateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("wardend", "error", err)
		os.Exit(1)
	}
}

func run(cfg *warden.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := warden.NewMetrics()

	// Build the allow list. The proxy denies everything until the
	// first load succeeds.
	loader, err := cfg.BuildLoader()
	if err != nil {
		return fmt.Errorf("build policy loader: %w", err)
	}

	policy := warden.NewReloadablePolicy(loader)
	policy.Metrics = metrics
	if cfg.Policy.DenyReason != "" {
		policy.Reason = cfg.Policy.DenyReason
	}
	if err := policy.Reload(ctx); err != nil {
		return fmt.Errorf("load allow list: %w", err)
	}
	logger.Info("allow list loaded", "patterns", policy.Count())

	if cfg.Policy.ReloadInterval > 0 && len(cfg.Policy.Sources) > 0 {
		cancel := policy.StartAutoReload(ctx, cfg.Policy.ReloadInterval)
		defer cancel()
		logger.Info("policy auto-reload enabled", "interval", cfg.Policy.ReloadInterval)
	}

	proxy := warden.NewProxy(cfg.Server.Addr, policy.Policy)
	proxy.Logger = logger
	proxy.Metrics = metrics
	proxy.HealthChecker = warden.NewHealthChecker()
	proxy.AuthToken = cfg.Server.AuthToken
	proxy.TunnelIdleTimeout = cfg.Server.TunnelIdleTimeout

	// Set up TLS interception
	if cfg.TLS.Intercept {
		cm, err := warden.NewCertManager(cfg.TLS.CACert, cfg.TLS.CAKey)
		if err != nil {
			logger.Error("load CA certificate", "error", err)
			logger.Info("hint: run with -gen-ca to generate a new CA certificate")
			return err
		}
		if cfg.TLS.LeafTTL > 0 {
			cm.LeafTTL = cfg.TLS.LeafTTL
		}
		cm.Metrics = metrics
		proxy.CertManager = cm

		// Re-mint leaves under the new CA when the files are replaced.
		rotator := warden.NewCertRotator(cm, cfg.TLS.CACert, cfg.TLS.CAKey)
		rotator.OnRotate = func(subject string) {
			logger.Info("interception CA rotated", "subject", subject)
		}
		rotator.OnError = func(err error) {
			logger.Error("CA rotation failed", "error", err)
		}
		stopWatch := rotator.WatchCAFiles(func() <-chan time.Time {
			return time.After(time.Minute)
		})
		defer stopWatch()
	} else {
		logger.Info("TLS interception disabled, CONNECT tunnels are opaque")
	}

	// Set up mTLS client authentication
	if cfg.Server.ClientCACert != "" {
		auth, err := warden.NewClientAuthFromFile(cfg.Server.ClientCACert)
		if err != nil {
			return fmt.Errorf("load client CA: %w", err)
		}
		auth.Logger = logger
		proxy.ClientAuth = auth
		proxy.Resolver = warden.NewPolicyResolver()
	}

	// Set up limits
	if cfg.Server.RateLimit > 0 {
		rl := warden.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		defer rl.Close()
		proxy.RateLimiter = rl
	}
	if cfg.Server.MaxConns > 0 {
		proxy.ConnLimiter = warden.NewConnLimiter(cfg.Server.MaxConns)
	}
	if cfg.Server.MaxBodySize > 0 {
		proxy.BodyLimiter = warden.NewBodyLimiter(cfg.Server.MaxBodySize)
	}
	proxy.TransportPool = warden.NewTransportPool()

	// Set up upstream proxy
	if cfg.Upstream.URL != "" {
		upstream, err := warden.NewUpstreamProxy(cfg.Upstream.URL)
		if err != nil {
			return fmt.Errorf("configure upstream proxy: %w", err)
		}
		upstream.ProxyProtocol = cfg.Upstream.ProxyProtocol
		proxy.UpstreamProxy = upstream
		logger.Info("chaining through upstream proxy", "url", cfg.Upstream.URL)
	}

	// Set up audit reporting
	sinks, ring, err := cfg.BuildAuditSinks(logger)
	if err != nil {
		return fmt.Errorf("build audit sinks: %w", err)
	}
	audit := warden.NewAuditReporter(cfg.Audit.Buffer, sinks...)
	audit.Metrics = metrics
	defer audit.Close()
	proxy.Audit = audit

	// Set up PAC handler (serves /proxy.pac)
	proxy.PACHandler = warden.NewPACGenerator(cfg.Server.Addr)

	// Set up admin API
	if cfg.Admin.Enabled {
		admin := warden.NewAdminAPI(proxy)
		admin.Logger = logger
		if cfg.Admin.PathPrefix != "" {
			admin.PathPrefix = cfg.Admin.PathPrefix
		}
		admin.Recent = ring
		admin.ReloadFunc = func(ctx context.Context) error {
			return policy.Reload(ctx)
		}
		proxy.Admin = admin
		logger.Info("admin API enabled", "prefix", admin.PathPrefix)
	}

	// Set up the kernel egress filter
	if cfg.Firewall.Enabled {
		port, err := listenPort(cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("firewall: %w", err)
		}
		fw := warden.NewFirewall(port)
		fw.Logger = logger
		fw.AllowDNS = cfg.Firewall.AllowDNS
		if cfg.Firewall.Chain != "" {
			fw.Chain = cfg.Firewall.Chain
		}
		if err := fw.Install(ctx); err != nil {
			return fmt.Errorf("install firewall: %w", err)
		}
		proxy.Metrics.SetFirewallInstalled(true)
		defer func() {
			// Shutdown context may already be canceled.
			rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := fw.Remove(rmCtx); err != nil {
				logger.Error("remove firewall", "error", err)
			}
			proxy.Metrics.SetFirewallInstalled(false)
		}()
		logger.Info("egress filter installed", "chain", fw.Chain, "proxy_port", port)
	}

	// SIGHUP reloads the allow list from its sources.
	reloader := warden.WatchSIGHUP(policy.Policy, func(ctx context.Context) (*warden.AllowList, error) {
		if err := policy.Reload(ctx); err != nil {
			return nil, err
		}
		return policy.Current(), nil
	}, logger)
	defer reloader.Cancel()

	// Handle shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxy.Shutdown(shutCtx)
	}()

	proxy.HealthChecker.SetAlive(true)
	proxy.HealthChecker.SetReady(true)
	logger.Info("starting proxy", "addr", cfg.Server.Addr, "intercepting", proxy.CertManager != nil)

	if err := proxy.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func generateCA(certPath, keyPath, org string) error {
	// Check if files already exist
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	slog.Info("generating CA certificate", "org", org)

	certPEM, keyPEM, err := warden.GenerateCA(org, 10) // 10 year validity
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	slog.Info("add the CA certificate to client trust stores")

	return nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid listen port %q", portStr)
	}
	return port, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
