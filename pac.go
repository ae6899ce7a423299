package warden

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/template"
)

// PACGenerator builds proxy auto-config (PAC) files that steer client
// browsers through the proxy while letting local and internal traffic
// go direct.
type PACGenerator struct {
	// ProxyAddr is the host:port clients should proxy through.
	ProxyAddr string

	// FallbackDirect appends DIRECT after the proxy so clients can
	// still reach the network if the proxy is down. Defaults to true.
	FallbackDirect bool

	// BypassDomains are domains that go direct (dnsDomainIs checks).
	BypassDomains []string

	// BypassNetworks are CIDR networks that go direct (isInNet checks).
	BypassNetworks []string
}

// NewPACGenerator creates a PAC generator with common private-network
// bypass defaults.
func NewPACGenerator(proxyAddr string) *PACGenerator {
	return &PACGenerator{
		ProxyAddr:      proxyAddr,
		FallbackDirect: true,
		BypassDomains:  []string{"localhost", ".local"},
		BypassNetworks: []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	}
}

// AddBypassDomain appends a domain to the direct-access list.
func (g *PACGenerator) AddBypassDomain(domain string) {
	g.BypassDomains = append(g.BypassDomains, domain)
}

// AddBypassNetwork appends a CIDR network to the direct-access list.
func (g *PACGenerator) AddBypassNetwork(cidr string) {
	g.BypassNetworks = append(g.BypassNetworks, cidr)
}

type pacNetwork struct {
	Addr string
	Mask string
}

type pacData struct {
	ProxyReturn string
	Domains     []string
	Networks    []pacNetwork
}

const pacTemplate = `function FindProxyForURL(url, host) {
    if (isPlainHostName(host)) {
        return "DIRECT";
    }
{{range .Domains}}    if (dnsDomainIs(host, "{{.}}")) {
        return "DIRECT";
    }
{{end}}{{range .Networks}}    if (isInNet(host, "{{.Addr}}", "{{.Mask}}")) {
        return "DIRECT";
    }
{{end}}    return "{{.ProxyReturn}}";
}
`

// GenerateString renders the PAC file as a string.
func (g *PACGenerator) GenerateString() (string, error) {
	proxyReturn := "PROXY " + g.ProxyAddr
	if g.FallbackDirect {
		proxyReturn += "; DIRECT"
	}

	data := pacData{ProxyReturn: proxyReturn, Domains: g.BypassDomains}

	for _, cidr := range g.BypassNetworks {
		addr, prefix, ok := strings.Cut(cidr, "/")
		if !ok {
			return "", fmt.Errorf("invalid bypass network %q", cidr)
		}
		mask := cidrToMask(prefix)
		if mask == "" {
			return "", fmt.Errorf("invalid bypass network prefix %q", cidr)
		}
		data.Networks = append(data.Networks, pacNetwork{Addr: addr, Mask: mask})
	}

	tmpl, err := template.New("pac").Parse(pacTemplate)
	if err != nil {
		return "", fmt.Errorf("parse PAC template: %w", err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render PAC: %w", err)
	}
	return sb.String(), nil
}

// WriteFile writes the PAC file to the given path.
func (g *PACGenerator) WriteFile(path string) error {
	pac, err := g.GenerateString()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(pac), 0o644)
}

// ServeHTTP serves the PAC file with the standard auto-config content
// type and a short cache window.
func (g *PACGenerator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	pac, err := g.GenerateString()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write([]byte(pac))
}

// cidrToMask converts a prefix length ("8", "24") to a dotted-quad
// netmask, or "" when the prefix is not a valid IPv4 prefix length.
func cidrToMask(prefix string) string {
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n > 32 {
		return ""
	}

	var mask uint32
	if n > 0 {
		mask = ^uint32(0) << (32 - n)
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}
