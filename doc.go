// Package warden provides an allow-list-enforcing egress proxy with
// TLS interception. Every outbound request is checked against an
// allow list before any byte is sent toward the origin; destinations
// not on the list are denied by default with an HTTP 407 response
// that names the blocked host. A kernel egress filter can back the
// proxy so traffic that tries to skip it is rejected outright.
//
// # Architecture
//
// The proxy handles both plain HTTP and HTTPS (CONNECT) requests. For
// HTTPS it performs a TLS handshake with the client using a
// dynamically minted certificate for the requested host, then
// re-originates each decrypted request toward the origin with full
// certificate verification. Every connection produces one audit
// record describing who connected where and what was decided.
//
// # Basic Proxy
//
// Create a policy, a certificate manager, and start serving:
//
//	policy := warden.NewPolicy(warden.NewAllowList(
//	    "api.github.com",
//	    "*.golang.org",
//	))
//
//	cm, err := warden.NewCertManager("ca.crt", "ca.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := warden.NewProxy("127.0.0.1:8080", policy)
//	proxy.CertManager = cm
//	log.Fatal(proxy.ListenAndServe())
//
// # Allow-List Patterns
//
// Patterns are exact hosts or wildcard suffixes, optionally qualified
// with a port. A wildcard matches subdomains but never the bare apex,
// and a pattern without a port matches ports 80 and 443 only:
//
//	al := warden.NewAllowList(
//	    "api.github.com",        // exact, ports 80/443
//	    "*.internal.corp",       // any subdomain, ports 80/443
//	    "registry.npmjs.org:443",
//	    "db.internal.corp:5432",
//	)
//	decision, reason := al.Evaluate("db.internal.corp", 5432)
//
// # Reloadable Policies
//
// Load patterns from external sources (files, CSV, HTTP endpoints,
// PostgreSQL) with automatic periodic reloading. A failed load leaves
// the previous allow list in place:
//
//	loader := warden.NewMultiLoader(
//	    warden.NewFileLoader("/etc/warden/allowlist.txt"),
//	    warden.NewURLLoader("https://config.internal/allowlist.txt"),
//	    warden.NewStaticLoader("api.github.com"),
//	)
//
//	policy := warden.NewReloadablePolicy(loader)
//	policy.OnReload = func(count int) {
//	    log.Printf("loaded %d patterns", count)
//	}
//
//	ctx := context.Background()
//	policy.Reload(ctx)
//
//	cancel := policy.StartAutoReload(ctx, 5*time.Minute)
//	defer cancel()
//
//	proxy.Policy = policy.Policy
//
// # Egress Filter
//
// Install an iptables chain so outbound connections that do not go
// through the proxy are rejected at the kernel:
//
//	fw := warden.NewFirewall(8080)
//	if err := fw.Install(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Remove(ctx)
//
// # Audit Reporting
//
// Each proxied connection produces one [AuditRecord] delivered to the
// configured sinks without blocking the data path:
//
//	audit := warden.NewAuditReporter(1024,
//	    warden.NewSlogSink(logger),
//	    warden.NewFileSink("/var/log/warden/audit.log"),
//	)
//	defer audit.Close()
//	proxy.Audit = audit
//
// # Denial Responses
//
// Denied requests receive a 407 with the blocked host in the
// X-Warden-Blocked header and a templated plaintext body:
//
//	dp, err := warden.NewDenyPageFromTemplate(
//	    "blocked: {{.Host}}:{{.Port}} ({{.Reason}})\n")
//	proxy.DenyPage = dp
//
// Template variables available in deny pages: {{.Host}}, {{.Port}},
// and {{.Reason}}.
package warden
