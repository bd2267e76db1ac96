package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/internal/firewall"
	"github.com/cisec/lockdown-agent/internal/resolver"
)

type switchResolver struct {
	mu   sync.Mutex
	fail bool
	ip   string
}

func (s *switchResolver) set(fail bool, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail, s.ip = fail, ip
}

func (s *switchResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("dns down")
	}
	return []string{s.ip}, nil
}

func setup(t *testing.T) (*firewall.Manager, *firewall.MemoryPolicy, *switchResolver) {
	t.Helper()
	r := &switchResolver{ip: "1.1.1.1"}
	policy := firewall.NewMemoryPolicy()
	m := firewall.NewManager(policy, r, []string{"codeforces.com:443"}, zerolog.Nop())
	_, err := m.ApplyRules(context.Background())
	require.NoError(t, err)
	return m, policy, r
}

func tcpAddresses(t *testing.T, p *firewall.MemoryPolicy) string {
	t.Helper()
	rule, ok := p.Rule(firewall.RuleTCPWhitelist)
	require.True(t, ok)
	return rule.RemoteAddresses
}

func TestRefresh_UpdatesLiveRule(t *testing.T) {
	m, policy, r := setup(t)
	w := New(m, time.Minute, nil, zerolog.Nop())

	r.set(false, "2.2.2.2")
	assert.Equal(t, OutcomeUpdated, w.Refresh(context.Background()))
	assert.Equal(t, "2.2.2.2", tcpAddresses(t, policy))
	assert.Equal(t, 1, policy.Updates())
}

func TestRefresh_TotalFailureKeepsRule(t *testing.T) {
	m, policy, r := setup(t)
	w := New(m, time.Minute, nil, zerolog.Nop())

	r.set(true, "")
	assert.Equal(t, OutcomeSkipped, w.Refresh(context.Background()))
	assert.Equal(t, "1.1.1.1", tcpAddresses(t, policy))
	assert.Equal(t, 0, policy.Updates())
}

type failingRefresher struct{}

func (failingRefresher) Resolve(ctx context.Context) (resolver.IPSet, error) {
	return resolver.IPSet{"1.1.1.1"}, nil
}

func (failingRefresher) RefreshWhitelist(ctx context.Context, ips resolver.IPSet) (string, error) {
	return "", errors.New("com error")
}

func TestRefresh_Failure(t *testing.T) {
	w := New(failingRefresher{}, time.Minute, nil, zerolog.Nop())
	assert.Equal(t, OutcomeFailed, w.Refresh(context.Background()))
}

func TestRun_CyclesAndStops(t *testing.T) {
	m, _, _ := setup(t)

	var mu sync.Mutex
	var outcomes []Outcome
	w := New(m, 10*time.Millisecond, func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, o := range outcomes {
		assert.Equal(t, OutcomeUpdated, o)
	}
}
