//go:build windows

package firewall

import (
	"fmt"
	"runtime"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

const ruleDirectionOut = 2

type ruleProp struct {
	name  string
	value interface{}
}

// ComPolicy drives HNetCfg.FwPolicy2 through COM automation. Every call runs
// on a locked OS thread with its own COM apartment.
type ComPolicy struct{}

// NewSystemPolicy returns the Windows firewall policy.
func NewSystemPolicy() (Policy, error) {
	p := &ComPolicy{}
	// Fail early when the firewall service is not reachable.
	if err := p.withPolicy(func(*ole.IDispatch) error { return nil }); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ComPolicy) withPolicy(fn func(policy *ole.IDispatch) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		oleErr, ok := err.(*ole.OleError)
		// S_FALSE: already initialized on this thread.
		if !ok || oleErr.Code() != 0x00000001 {
			return fmt.Errorf("initializing COM: %w", err)
		}
	}
	// CoUninitialize must run last.
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("HNetCfg.FwPolicy2")
	if err != nil {
		return fmt.Errorf("creating firewall policy object: %w", err)
	}
	defer unknown.Release()

	policy, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("querying policy IDispatch: %w", err)
	}
	defer policy.Release()

	return fn(policy)
}

func withRules(policy *ole.IDispatch, fn func(rules *ole.IDispatch) error) error {
	v, err := oleutil.GetProperty(policy, "Rules")
	if err != nil {
		return fmt.Errorf("getting rules collection: %w", err)
	}
	rules := v.ToIDispatch()
	if rules == nil {
		return fmt.Errorf("rules collection is not dispatchable")
	}
	defer rules.Release()
	return fn(rules)
}

func (p *ComPolicy) AddRule(r Rule) error {
	return p.withPolicy(func(policy *ole.IDispatch) error {
		return withRules(policy, func(rules *ole.IDispatch) error {
			unknown, err := oleutil.CreateObject("HNetCfg.FWRule")
			if err != nil {
				return fmt.Errorf("creating rule object: %w", err)
			}
			defer unknown.Release()

			rule, err := unknown.QueryInterface(ole.IID_IDispatch)
			if err != nil {
				return fmt.Errorf("querying rule IDispatch: %w", err)
			}
			defer rule.Release()

			props := []ruleProp{
				{"Name", r.Name},
				{"Description", r.Description},
				{"Protocol", int32(r.Protocol)},
				{"Direction", int32(ruleDirectionOut)},
				{"Action", int32(r.Action)},
				{"Enabled", true},
			}
			// Port properties are only valid once the protocol is set.
			if r.LocalPorts != "" {
				props = append(props, ruleProp{"LocalPorts", r.LocalPorts})
			}
			if r.RemotePorts != "" {
				props = append(props, ruleProp{"RemotePorts", r.RemotePorts})
			}
			if r.RemoteAddresses != "" {
				props = append(props, ruleProp{"RemoteAddresses", r.RemoteAddresses})
			}

			for _, prop := range props {
				if _, err := oleutil.PutProperty(rule, prop.name, prop.value); err != nil {
					return fmt.Errorf("setting %s: %w", prop.name, err)
				}
			}

			if _, err := oleutil.CallMethod(rules, "Add", rule); err != nil {
				return fmt.Errorf("adding rule: %w", err)
			}
			return nil
		})
	})
}

func (p *ComPolicy) RemoveRule(name string) error {
	return p.withPolicy(func(policy *ole.IDispatch) error {
		return withRules(policy, func(rules *ole.IDispatch) error {
			item, err := oleutil.CallMethod(rules, "Item", name)
			if err != nil {
				return nil
			}
			if d := item.ToIDispatch(); d != nil {
				d.Release()
			}
			if _, err := oleutil.CallMethod(rules, "Remove", name); err != nil {
				return fmt.Errorf("removing rule: %w", err)
			}
			return nil
		})
	})
}

func (p *ComPolicy) SetRemoteAddresses(name, addresses string) error {
	return p.withPolicy(func(policy *ole.IDispatch) error {
		return withRules(policy, func(rules *ole.IDispatch) error {
			item, err := oleutil.CallMethod(rules, "Item", name)
			if err != nil {
				return ErrRuleNotFound
			}
			rule := item.ToIDispatch()
			if rule == nil {
				return ErrRuleNotFound
			}
			defer rule.Release()

			if _, err := oleutil.PutProperty(rule, "RemoteAddresses", addresses); err != nil {
				return fmt.Errorf("setting RemoteAddresses: %w", err)
			}
			return nil
		})
	})
}

func (p *ComPolicy) SetDefaultOutbound(profile Profile, a Action) error {
	return p.withPolicy(func(policy *ole.IDispatch) error {
		if _, err := oleutil.PutProperty(policy, "DefaultOutboundAction", int32(profile), int32(a)); err != nil {
			return fmt.Errorf("setting DefaultOutboundAction: %w", err)
		}
		return nil
	})
}

func (p *ComPolicy) DefaultOutbound(profile Profile) (Action, error) {
	var action Action
	err := p.withPolicy(func(policy *ole.IDispatch) error {
		v, err := oleutil.GetProperty(policy, "DefaultOutboundAction", int32(profile))
		if err != nil {
			return fmt.Errorf("getting DefaultOutboundAction: %w", err)
		}
		defer v.Clear()
		action = Action(v.Val)
		return nil
	})
	return action, err
}
