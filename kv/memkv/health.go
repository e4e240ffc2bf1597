package memkv

import (
	"context"
	"sort"

	"pkt.systems/consulhelper/kv"
)

// RegisterService adds or replaces a service instance on node. Checks are
// copied; each gets the registration index as its ModifyIndex.
func (s *Store) RegisterService(node, serviceID, serviceName string, checks ...kv.HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.bumpLocked()
	s.healthIndex = idx
	inst := &instance{node: node, serviceID: serviceID, serviceName: serviceName}
	for _, check := range checks {
		check.Node = node
		check.ServiceID = serviceID
		if check.Status == "" {
			check.Status = kv.HealthCritical
		}
		check.ModifyIndex = idx
		inst.checks = append(inst.checks, check)
	}
	s.instances[node+"/"+serviceID] = inst
}

// DeregisterService removes a service instance.
func (s *Store) DeregisterService(node, serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[node+"/"+serviceID]; !ok {
		return
	}
	delete(s.instances, node+"/"+serviceID)
	s.healthIndex = s.bumpLocked()
}

// SetCheckStatus updates every check named checkID on node. It reports
// whether a check was found.
func (s *Store) SetCheckStatus(node, checkID, status, output string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCheckLocked(func(inst *instance) bool { return node == "" || inst.node == node }, checkID, status, output)
}

func (s *Store) updateCheckLocked(match func(*instance) bool, checkID, status, output string) bool {
	found := false
	changed := false
	for _, inst := range s.instances {
		if !match(inst) {
			continue
		}
		for i := range inst.checks {
			check := &inst.checks[i]
			if check.CheckID != checkID {
				continue
			}
			found = true
			if check.Status == status && check.Output == output {
				continue
			}
			if !changed {
				s.healthIndex = s.bumpLocked()
				changed = true
			}
			check.Status = status
			check.Output = output
			check.ModifyIndex = s.healthIndex
		}
	}
	return found
}

// HealthService implements kv.Store.
func (s *Store) HealthService(ctx context.Context, service string, passingOnly bool, q kv.QueryOptions) ([]kv.ServiceEntry, kv.QueryMeta, error) {
	if err := s.enter(ctx, OpHealthService, service); err != nil {
		return nil, kv.QueryMeta{}, err
	}
	var (
		entries []kv.ServiceEntry
		meta    kv.QueryMeta
	)
	err := s.block(ctx, q, func() uint64 {
		entries = s.serviceEntriesLocked(service, passingOnly)
		meta = kv.QueryMeta{LastIndex: s.healthIndex, KnownLeader: s.leader != ""}
		return s.healthIndex
	})
	if err != nil {
		return nil, kv.QueryMeta{}, err
	}
	return entries, meta, nil
}

func (s *Store) serviceEntriesLocked(service string, passingOnly bool) []kv.ServiceEntry {
	var out []kv.ServiceEntry
	for _, inst := range s.instances {
		if inst.serviceName != service {
			continue
		}
		if passingOnly && !allPassing(inst.checks) {
			continue
		}
		out = append(out, kv.ServiceEntry{
			Node:        inst.node,
			ServiceID:   inst.serviceID,
			ServiceName: inst.serviceName,
			Checks:      append([]kv.HealthCheck(nil), inst.checks...),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

func allPassing(checks []kv.HealthCheck) bool {
	for _, check := range checks {
		if check.Status != kv.HealthPassing {
			return false
		}
	}
	return true
}

// PassTTL implements kv.Store.
func (s *Store) PassTTL(ctx context.Context, checkID, note string) error {
	if err := s.enter(ctx, OpPassTTL, checkID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.updateCheckLocked(func(*instance) bool { return true }, checkID, kv.HealthPassing, note) {
		return kv.ErrCheckNotFound
	}
	return nil
}

// Check returns the first check named checkID, if any.
func (s *Store) Check(checkID string) (kv.HealthCheck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		for _, check := range inst.checks {
			if check.CheckID == checkID {
				return check, true
			}
		}
	}
	return kv.HealthCheck{}, false
}
