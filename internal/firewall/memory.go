package firewall

import (
	"errors"
	"sync"
)

// MemoryPolicy is an in-memory Policy. It backs dry runs on hosts without a
// Windows firewall.
type MemoryPolicy struct {
	// AddErr, when set, fails AddRule for the named rule.
	AddErr map[string]error

	mu       sync.Mutex
	rules    map[string]Rule
	defaults map[Profile]Action
	updates  int
}

// NewMemoryPolicy creates a policy with default-allow on every profile.
func NewMemoryPolicy() *MemoryPolicy {
	defaults := make(map[Profile]Action, len(Profiles))
	for _, p := range Profiles {
		defaults[p] = ActionAllow
	}
	return &MemoryPolicy{
		rules:    make(map[string]Rule),
		defaults: defaults,
	}
}

func (m *MemoryPolicy) AddRule(r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.AddErr[r.Name]; err != nil {
		return err
	}
	if _, ok := m.rules[r.Name]; ok {
		return errors.New("rule already exists")
	}
	m.rules[r.Name] = r
	return nil
}

func (m *MemoryPolicy) RemoveRule(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, name)
	return nil
}

func (m *MemoryPolicy) SetRemoteAddresses(name, addresses string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[name]
	if !ok {
		return ErrRuleNotFound
	}
	r.RemoteAddresses = addresses
	m.rules[name] = r
	m.updates++
	return nil
}

func (m *MemoryPolicy) SetDefaultOutbound(p Profile, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[p] = a
	return nil
}

func (m *MemoryPolicy) DefaultOutbound(p Profile) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults[p], nil
}

// Rule returns the named rule.
func (m *MemoryPolicy) Rule(name string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[name]
	return r, ok
}

// RuleCount returns the number of rules.
func (m *MemoryPolicy) RuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rules)
}

// Updates returns how many in-place address updates were made.
func (m *MemoryPolicy) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}
