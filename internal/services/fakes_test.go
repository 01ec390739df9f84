package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sitesmith/internal/database"
	smerrors "sitesmith/internal/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "sitesmith.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// fakeRuntime records running instances by name.
type fakeRuntime struct {
	mu       sync.Mutex
	running  map[string]Instance
	starts   int
	stops    int
	startErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]Instance)}
}

func (r *fakeRuntime) Start(_ context.Context, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if _, ok := r.running[inst.Name]; ok {
		return fmt.Errorf("container %s already exists", inst.Name)
	}
	r.running[inst.Name] = inst
	return r.startErr
}

func (r *fakeRuntime) Stop(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	delete(r.running, name)
	return nil
}

func (r *fakeRuntime) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[name]
	return ok
}

func (r *fakeRuntime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

type fakeReadyChecker struct {
	err  error
	urls []string
	mu   sync.Mutex
}

func (p *fakeReadyChecker) WaitReady(_ context.Context, url string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, url)
	return p.err
}

// fakeProxy keeps rendered targets in memory.
type fakeProxy struct {
	mu       sync.Mutex
	targets  map[string]ProxyTarget
	writeErr error
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{targets: make(map[string]ProxyTarget)}
}

func (p *fakeProxy) Write(_ context.Context, target ProxyTarget) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return "", p.writeErr
	}
	p.targets[target.Domain] = target
	return "/etc/nginx/sites/" + target.Domain + ".conf", nil
}

func (p *fakeProxy) Remove(_ context.Context, domain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, domain)
	return nil
}

func (p *fakeProxy) Target(domain string) (ProxyTarget, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[domain]
	return t, ok
}

// fakeResolver answers TXT lookups from a map.
type fakeResolver struct {
	mu    sync.Mutex
	txt   map[string][]string
	addrs map[string][]net.IPAddr
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{txt: make(map[string][]string), addrs: make(map[string][]net.IPAddr)}
}

func (r *fakeResolver) SetTXT(name string, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txt[name] = values
}

func (r *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.txt[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return v, nil
}

func (r *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return v, nil
}

type fakeCertifier struct {
	mu      sync.Mutex
	expires time.Time
	err     error
	issued  []string
	forced  []string
}

func (c *fakeCertifier) Issue(_ context.Context, domain string, force bool) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", smerrors.ErrSSLIssuance, c.err)
	}
	c.issued = append(c.issued, domain)
	if force {
		c.forced = append(c.forced, domain)
	}
	return c.expires, nil
}

// fakeRuleTable is an in-memory iptables filter table.
type fakeRuleTable struct {
	chains map[string][][]string
	err    error
}

func newFakeRuleTable() *fakeRuleTable {
	return &fakeRuleTable{chains: make(map[string][][]string)}
}

func (f *fakeRuleTable) ChainExists(_, chain string) (bool, error) {
	_, ok := f.chains[chain]
	return ok, f.err
}

func (f *fakeRuleTable) NewChain(_, chain string) error {
	if _, ok := f.chains[chain]; ok {
		return errors.New("chain exists")
	}
	f.chains[chain] = nil
	return nil
}

func (f *fakeRuleTable) Exists(_, chain string, rulespec ...string) (bool, error) {
	for _, r := range f.chains[chain] {
		if slices.Equal(r, rulespec) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRuleTable) Insert(_, chain string, pos int, rulespec ...string) error {
	rules := f.chains[chain]
	rules = slices.Insert(rules, pos-1, rulespec)
	f.chains[chain] = rules
	return nil
}

func (f *fakeRuleTable) DeleteIfExists(_, chain string, rulespec ...string) error {
	f.chains[chain] = slices.DeleteFunc(f.chains[chain], func(r []string) bool {
		return slices.Equal(r, rulespec)
	})
	return nil
}
