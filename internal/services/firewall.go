package services

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"
)

// DefaultFirewallChain is where docker evaluates user rules for published ports.
const DefaultFirewallChain = "DOCKER-USER"

// Firewall restricts who may reach a deployed site's published port.
type Firewall interface {
	Allow(port int) error
	Revoke(port int) error
}

// ruleTable is the subset of *iptables.IPTables the firewall needs.
type ruleTable interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// IptablesFirewall admits the proxy CIDR to a site port and drops the rest.
type IptablesFirewall struct {
	ipt       ruleTable
	chain     string
	allowCIDR string
	log       zerolog.Logger

	mu sync.Mutex
}

func NewIptablesFirewall(allowCIDR string, log zerolog.Logger) (*IptablesFirewall, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to init iptables: %w", err)
	}
	return newIptablesFirewall(ipt, DefaultFirewallChain, allowCIDR, log), nil
}

func newIptablesFirewall(ipt ruleTable, chain, allowCIDR string, log zerolog.Logger) *IptablesFirewall {
	return &IptablesFirewall{
		ipt:       ipt,
		chain:     chain,
		allowCIDR: allowCIDR,
		log:       log.With().Str("component", "firewall").Logger(),
	}
}

// Allow installs the accept and drop rules for port. It is idempotent.
func (f *IptablesFirewall) Allow(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	exists, err := f.ipt.ChainExists("filter", f.chain)
	if err != nil {
		return err
	}
	if !exists {
		if err := f.ipt.NewChain("filter", f.chain); err != nil {
			return fmt.Errorf("failed to create chain %s: %w", f.chain, err)
		}
	}

	// Inserted at the top in reverse, so ACCEPT ends up ahead of DROP.
	for _, rule := range [][]string{f.dropRule(port), f.acceptRule(port)} {
		ok, err := f.ipt.Exists("filter", f.chain, rule...)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := f.ipt.Insert("filter", f.chain, 1, rule...); err != nil {
			return fmt.Errorf("failed to insert firewall rule for port %d: %w", port, err)
		}
	}

	f.log.Info().Int("port", port).Str("allow", f.allowCIDR).Msg("firewall rules applied")
	return nil
}

// Revoke removes both rules for port. Missing rules are ignored.
func (f *IptablesFirewall) Revoke(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rule := range [][]string{f.acceptRule(port), f.dropRule(port)} {
		if err := f.ipt.DeleteIfExists("filter", f.chain, rule...); err != nil {
			return fmt.Errorf("failed to delete firewall rule for port %d: %w", port, err)
		}
	}
	f.log.Info().Int("port", port).Msg("firewall rules removed")
	return nil
}

func (f *IptablesFirewall) acceptRule(port int) []string {
	return []string{"-p", "tcp", "-s", f.allowCIDR, "-m", "conntrack", "--ctorigdstport", strconv.Itoa(port), "--ctdir", "ORIGINAL", "-j", "ACCEPT"}
}

func (f *IptablesFirewall) dropRule(port int) []string {
	return []string{"-p", "tcp", "-m", "conntrack", "--ctorigdstport", strconv.Itoa(port), "--ctdir", "ORIGINAL", "-j", "DROP"}
}

// NoopFirewall is used when the firewall guard is disabled.
type NoopFirewall struct{}

func (NoopFirewall) Allow(int) error  { return nil }
func (NoopFirewall) Revoke(int) error { return nil }

var (
	_ Firewall  = (*IptablesFirewall)(nil)
	_ Firewall  = NoopFirewall{}
	_ ruleTable = (*iptables.IPTables)(nil)
)
