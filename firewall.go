package warden

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
)

// DefaultFirewallChain is the iptables chain the packet filter manages.
const DefaultFirewallChain = "WARDEN_EGRESS"

// Runner executes external commands. The firewall shells out through
// this interface so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Firewall manages the host's egress packet filter so traffic that
// does not go through the proxy is cut off at the kernel. It owns a
// dedicated iptables chain on the OUTPUT path that admits loopback,
// already-established flows, DNS, and the proxy port, and rejects
// everything else with a TCP reset so bypass attempts fail fast
// instead of hanging.
type Firewall struct {
	// ProxyPort is the local TCP port the proxy listens on.
	ProxyPort int

	// Chain is the managed chain name. Empty means
	// DefaultFirewallChain.
	Chain string

	// AllowDNS admits udp/53 so names can still resolve. Defaults to
	// true via NewFirewall.
	AllowDNS bool

	// OwnerUID is the uid whose sockets are exempt from the filter.
	// The proxy's own origin dials leave through OUTPUT too, so without
	// this exemption the filter would cut off the very process doing
	// the allow-listed forwarding. Defaults to the current process uid
	// via NewFirewall.
	OwnerUID int

	// Runner executes iptables. Nil means ExecRunner.
	Runner Runner

	// Logger for firewall events.
	Logger *slog.Logger

	installed atomic.Bool
}

// NewFirewall creates a firewall for the given proxy port.
func NewFirewall(proxyPort int) *Firewall {
	return &Firewall{
		ProxyPort: proxyPort,
		AllowDNS:  true,
		OwnerUID:  os.Getuid(),
		Logger:    slog.Default(),
	}
}

func (f *Firewall) chain() string {
	if f.Chain != "" {
		return f.Chain
	}
	return DefaultFirewallChain
}

func (f *Firewall) runner() Runner {
	if f.Runner != nil {
		return f.Runner
	}
	return ExecRunner{}
}

func (f *Firewall) iptables(ctx context.Context, args ...string) error {
	_, err := f.runner().Run(ctx, "iptables", append([]string{"-w"}, args...)...)
	return err
}

// Install sets up the egress chain. It is idempotent: the chain is
// created if missing, flushed, and re-populated, so a rule set left
// behind by a crashed previous run is replaced rather than appended
// to. The OUTPUT jump into the chain is added only when absent.
func (f *Firewall) Install(ctx context.Context) error {
	chain := f.chain()

	// Create the chain; an existing chain is fine, we flush it next.
	if err := f.iptables(ctx, "-N", chain); err != nil {
		if _, err2 := f.runner().Run(ctx, "iptables", "-w", "-L", chain, "-n"); err2 != nil {
			return fmt.Errorf("create chain %s: %w", chain, err)
		}
	}

	if err := f.iptables(ctx, "-F", chain); err != nil {
		return fmt.Errorf("flush chain %s: %w", chain, err)
	}

	rules := [][]string{
		{"-A", chain, "-o", "lo", "-j", "ACCEPT"},
		{"-A", chain, "-m", "owner", "--uid-owner", strconv.Itoa(f.OwnerUID), "-j", "ACCEPT"},
		{"-A", chain, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	if f.AllowDNS {
		rules = append(rules, []string{"-A", chain, "-p", "udp", "--dport", "53", "-j", "ACCEPT"})
	}
	rules = append(rules,
		[]string{"-A", chain, "-p", "tcp", "--dport", strconv.Itoa(f.ProxyPort), "-j", "ACCEPT"},
		[]string{"-A", chain, "-p", "tcp", "-j", "REJECT", "--reject-with", "tcp-reset"},
		[]string{"-A", chain, "-j", "REJECT"},
	)

	for _, rule := range rules {
		if err := f.iptables(ctx, rule...); err != nil {
			return fmt.Errorf("install rule: %w", err)
		}
	}

	// Jump from OUTPUT into the chain, once.
	if err := f.iptables(ctx, "-C", "OUTPUT", "-j", chain); err != nil {
		if err := f.iptables(ctx, "-A", "OUTPUT", "-j", chain); err != nil {
			return fmt.Errorf("add OUTPUT jump: %w", err)
		}
	}

	f.installed.Store(true)
	f.Logger.Info("egress filter installed", "chain", chain, "proxy_port", f.ProxyPort)
	return nil
}

// Remove tears down the chain and its OUTPUT jump. Removal is scoped
// to the managed chain; other OUTPUT rules are untouched.
func (f *Firewall) Remove(ctx context.Context) error {
	chain := f.chain()

	var errs []string
	if err := f.iptables(ctx, "-D", "OUTPUT", "-j", chain); err != nil {
		errs = append(errs, err.Error())
	}
	if err := f.iptables(ctx, "-F", chain); err != nil {
		errs = append(errs, err.Error())
	}
	if err := f.iptables(ctx, "-X", chain); err != nil {
		errs = append(errs, err.Error())
	}

	f.installed.Store(false)
	if len(errs) > 0 {
		return fmt.Errorf("remove chain %s: %s", chain, strings.Join(errs, "; "))
	}

	f.Logger.Info("egress filter removed", "chain", chain)
	return nil
}

// Installed reports whether Install has completed without a matching
// Remove.
func (f *Firewall) Installed() bool {
	return f.installed.Load()
}
