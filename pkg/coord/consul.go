package coord

import (
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
)

// consulBackend implements Backend against the local Consul agent.
type consulBackend struct {
	client *api.Client
}

// NewConsulBackend connects to the Consul agent on its default local address.
func NewConsulBackend() (Backend, error) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &consulBackend{client: client}, nil
}

func (b *consulBackend) Ping() error {
	leader, err := b.client.Status().Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul cluster has no leader yet")
	}
	return nil
}

func (b *consulBackend) Get(key string) (*KVEntry, error) {
	pair, _, err := b.client.KV().Get(key, nil)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, nil
	}
	return &KVEntry{
		Key:         pair.Key,
		Value:       pair.Value,
		ModifyIndex: pair.ModifyIndex,
		Session:     pair.Session,
	}, nil
}

func (b *consulBackend) List(prefix string) ([]KVEntry, error) {
	pairs, _, err := b.client.KV().List(prefix, nil)
	if err != nil {
		return nil, err
	}
	entries := make([]KVEntry, 0, len(pairs))
	for _, pair := range pairs {
		entries = append(entries, KVEntry{
			Key:         pair.Key,
			Value:       pair.Value,
			ModifyIndex: pair.ModifyIndex,
			Session:     pair.Session,
		})
	}
	return entries, nil
}

func (b *consulBackend) CASPut(key string, value []byte, index uint64) (bool, error) {
	ok, _, err := b.client.KV().CAS(&api.KVPair{
		Key:         key,
		Value:       value,
		ModifyIndex: index,
	}, nil)
	return ok, err
}

func (b *consulBackend) AcquirePut(key string, value []byte, session string) (bool, error) {
	ok, _, err := b.client.KV().Acquire(&api.KVPair{
		Key:     key,
		Value:   value,
		Session: session,
	}, nil)
	return ok, err
}

func (b *consulBackend) SessionCreate(name string, ttl time.Duration) (string, error) {
	// Delete behavior removes every acquired key on expiry; zero lock delay
	// permits immediate re-election after a leader dies.
	id, _, err := b.client.Session().Create(&api.SessionEntry{
		Name:      name,
		TTL:       ttl.String(),
		Behavior:  api.SessionBehaviorDelete,
		LockDelay: 0,
	}, nil)
	return id, err
}

func (b *consulBackend) SessionRenew(id string) error {
	entry, _, err := b.client.Session().Renew(id, nil)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("session %s no longer exists", id)
	}
	return nil
}

func (b *consulBackend) SessionDestroy(id string) error {
	_, err := b.client.Session().Destroy(id, nil)
	return err
}
