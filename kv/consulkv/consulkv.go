// Package consulkv implements kv.Store on top of a Consul agent's HTTP API.
//
// Every read is issued with RequireConsistent so that check-and-set indexes
// and lock ownership come from the current raft leader.
package consulkv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// Config selects and authenticates the Consul agent. Empty fields keep the
// values api.DefaultConfig derives from the CONSUL_HTTP_* environment.
type Config struct {
	Address            string
	Scheme             string
	Datacenter         string
	Token              string
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Store is a kv.Store backed by a Consul client.
type Store struct {
	client *api.Client
	logger pslog.Logger
}

var _ kv.Store = (*Store)(nil)

// New builds a Consul client from cfg.
func New(cfg Config, logger pslog.Logger) (*Store, error) {
	client, err := api.NewClient(cfg.apiConfig())
	if err != nil {
		return nil, fmt.Errorf("consulkv: create client: %w", err)
	}
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *api.Client, logger pslog.Logger) *Store {
	logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "kv.consul")
	return &Store{client: client, logger: logger}
}

func (c Config) apiConfig() *api.Config {
	cfg := api.DefaultConfig()
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.Scheme != "" {
		cfg.Scheme = c.Scheme
	}
	if c.Datacenter != "" {
		cfg.Datacenter = c.Datacenter
	}
	if c.Token != "" {
		cfg.Token = c.Token
	}
	if c.CAFile != "" {
		cfg.TLSConfig.CAFile = c.CAFile
	}
	if c.CertFile != "" {
		cfg.TLSConfig.CertFile = c.CertFile
	}
	if c.KeyFile != "" {
		cfg.TLSConfig.KeyFile = c.KeyFile
	}
	if c.InsecureSkipVerify {
		cfg.TLSConfig.InsecureSkipVerify = true
	}
	return cfg
}

// ResolvedAddress reports the agent address the client will talk to.
func (c Config) ResolvedAddress() string {
	return c.apiConfig().Address
}

func queryOptions(ctx context.Context, q kv.QueryOptions) *api.QueryOptions {
	opts := &api.QueryOptions{
		RequireConsistent: true,
		WaitIndex:         q.WaitIndex,
		WaitTime:          q.WaitTime,
	}
	return opts.WithContext(ctx)
}

func writeOptions(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func queryMeta(meta *api.QueryMeta) kv.QueryMeta {
	if meta == nil {
		return kv.QueryMeta{}
	}
	return kv.QueryMeta{LastIndex: meta.LastIndex, KnownLeader: meta.KnownLeader}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string, q kv.QueryOptions) (*kv.Pair, kv.QueryMeta, error) {
	pair, meta, err := s.client.KV().Get(key, queryOptions(ctx, q))
	if err != nil {
		return nil, kv.QueryMeta{}, fmt.Errorf("consulkv: get %q: %w", key, classify(ctx, err))
	}
	return fromKVPair(pair), queryMeta(meta), nil
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, p *kv.Pair, opts kv.PutOptions) (bool, error) {
	if p == nil {
		return false, errors.New("consulkv: nil pair")
	}
	pair := &api.KVPair{Key: p.Key, Value: p.Value, Flags: p.Flags}
	w := writeOptions(ctx)
	var (
		ok  bool
		err error
		op  string
	)
	switch {
	case opts.Acquire != "":
		op = "acquire"
		pair.Session = opts.Acquire
		ok, _, err = s.client.KV().Acquire(pair, w)
	case opts.Release != "":
		op = "release"
		pair.Session = opts.Release
		ok, _, err = s.client.KV().Release(pair, w)
	case opts.CheckAndSet:
		op = "cas"
		pair.ModifyIndex = opts.CAS
		ok, _, err = s.client.KV().CAS(pair, w)
	default:
		op = "put"
		_, err = s.client.KV().Put(pair, w)
		ok = err == nil
	}
	if err != nil {
		return false, fmt.Errorf("consulkv: %s %q: %w", op, p.Key, classify(ctx, err))
	}
	return ok, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string, cas uint64) (bool, error) {
	ok, _, err := s.client.KV().DeleteCAS(&api.KVPair{Key: key, ModifyIndex: cas}, writeOptions(ctx))
	if err != nil {
		return false, fmt.Errorf("consulkv: delete-cas %q: %w", key, classify(ctx, err))
	}
	return ok, nil
}

// SessionCreate implements kv.Store.
func (s *Store) SessionCreate(ctx context.Context, entry kv.SessionEntry) (string, error) {
	se := &api.SessionEntry{
		Name:      entry.Name,
		Behavior:  entry.Behavior,
		LockDelay: entry.LockDelay,
	}
	if se.Behavior == "" {
		se.Behavior = api.SessionBehaviorRelease
	}
	if entry.TTL > 0 {
		se.TTL = formatTTL(entry.TTL)
	}
	id, _, err := s.client.Session().Create(se, writeOptions(ctx))
	if err != nil {
		return "", fmt.Errorf("consulkv: session create: %w", classify(ctx, err))
	}
	s.logger.Trace("consul.session.created", "session", id, "ttl", se.TTL, "name", entry.Name)
	return id, nil
}

// formatTTL renders d the way the session endpoint expects, in whole seconds.
func formatTTL(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%ds", secs)
}

// SessionRenew implements kv.Store.
func (s *Store) SessionRenew(ctx context.Context, id string) error {
	entry, _, err := s.client.Session().Renew(id, writeOptions(ctx))
	if err != nil {
		return fmt.Errorf("consulkv: session renew %s: %w", id, classify(ctx, err))
	}
	if entry == nil {
		return fmt.Errorf("consulkv: session renew %s: %w", id, kv.ErrSessionNotFound)
	}
	return nil
}

// SessionDestroy implements kv.Store.
func (s *Store) SessionDestroy(ctx context.Context, id string) error {
	if _, err := s.client.Session().Destroy(id, writeOptions(ctx)); err != nil {
		return fmt.Errorf("consulkv: session destroy %s: %w", id, classify(ctx, err))
	}
	s.logger.Trace("consul.session.destroyed", "session", id)
	return nil
}

// Leader implements kv.Store.
func (s *Store) Leader(ctx context.Context) (string, error) {
	leader, err := s.client.Status().LeaderWithQueryOptions(queryOptions(ctx, kv.QueryOptions{}))
	if err != nil {
		return "", fmt.Errorf("consulkv: status leader: %w", classify(ctx, err))
	}
	return leader, nil
}

// HealthService implements kv.Store.
func (s *Store) HealthService(ctx context.Context, service string, passingOnly bool, q kv.QueryOptions) ([]kv.ServiceEntry, kv.QueryMeta, error) {
	entries, meta, err := s.client.Health().Service(service, "", passingOnly, queryOptions(ctx, q))
	if err != nil {
		return nil, kv.QueryMeta{}, fmt.Errorf("consulkv: health service %q: %w", service, classify(ctx, err))
	}
	out := make([]kv.ServiceEntry, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		out = append(out, fromServiceEntry(entry))
	}
	return out, queryMeta(meta), nil
}

// PassTTL implements kv.Store.
func (s *Store) PassTTL(ctx context.Context, checkID, note string) error {
	err := s.client.Agent().UpdateTTLOpts(checkID, note, api.HealthPassing, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		if responseCode(err) == 404 || strings.Contains(err.Error(), "does not have associated TTL") {
			return fmt.Errorf("consulkv: pass ttl %q: %w: %v", checkID, kv.ErrCheckNotFound, err)
		}
		return fmt.Errorf("consulkv: pass ttl %q: %w", checkID, classify(ctx, err))
	}
	return nil
}

func fromKVPair(p *api.KVPair) *kv.Pair {
	if p == nil {
		return nil
	}
	return &kv.Pair{
		Key:         p.Key,
		Value:       p.Value,
		Flags:       p.Flags,
		Session:     p.Session,
		CreateIndex: p.CreateIndex,
		ModifyIndex: p.ModifyIndex,
		LockIndex:   p.LockIndex,
	}
}

func fromServiceEntry(entry *api.ServiceEntry) kv.ServiceEntry {
	var out kv.ServiceEntry
	if entry.Node != nil {
		out.Node = entry.Node.Node
	}
	if entry.Service != nil {
		out.ServiceID = entry.Service.ID
		out.ServiceName = entry.Service.Service
	}
	for _, check := range entry.Checks {
		if check == nil {
			continue
		}
		out.Checks = append(out.Checks, kv.HealthCheck{
			Node:        check.Node,
			CheckID:     check.CheckID,
			Name:        check.Name,
			Status:      check.Status,
			Output:      check.Output,
			ServiceID:   check.ServiceID,
			ModifyIndex: check.ModifyIndex,
		})
	}
	return out
}
