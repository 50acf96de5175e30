package coord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeBackend is an in-memory coordination service with Consul-like CAS,
// session and acquire semantics, used by the package tests.
type fakeBackend struct {
	mu       sync.Mutex
	kv       map[string]*KVEntry
	sessions map[string]bool
	index    uint64
	seq      int

	// unavailable makes every call fail, simulating an outage.
	unavailable bool

	// beforeCAS, when set, runs once before the next CASPut commits. Used
	// to interleave a competing writer.
	beforeCAS func()

	// renewErr, when set, makes SessionRenew fail.
	renewErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		kv:       make(map[string]*KVEntry),
		sessions: make(map[string]bool),
	}
}

func (f *fakeBackend) setUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = down
}

func (f *fakeBackend) checkUp() error {
	if f.unavailable {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func (f *fakeBackend) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkUp()
}

func (f *fakeBackend) Get(key string) (*KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return nil, err
	}
	entry, ok := f.kv[key]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (f *fakeBackend) List(prefix string) ([]KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return nil, err
	}
	var entries []KVEntry
	for key, entry := range f.kv {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

func (f *fakeBackend) CASPut(key string, value []byte, index uint64) (bool, error) {
	if hook := f.takeBeforeCAS(); hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return false, err
	}

	existing, ok := f.kv[key]
	if index == 0 {
		if ok {
			return false, nil
		}
	} else {
		if !ok || existing.ModifyIndex != index {
			return false, nil
		}
	}

	f.index++
	f.kv[key] = &KVEntry{Key: key, Value: value, ModifyIndex: f.index}
	return true, nil
}

func (f *fakeBackend) takeBeforeCAS() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	hook := f.beforeCAS
	f.beforeCAS = nil
	return hook
}

func (f *fakeBackend) AcquirePut(key string, value []byte, session string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return false, err
	}
	if !f.sessions[session] {
		return false, fmt.Errorf("invalid session %s", session)
	}

	existing, ok := f.kv[key]
	if ok && existing.Session != "" && existing.Session != session {
		return false, nil
	}

	f.index++
	f.kv[key] = &KVEntry{Key: key, Value: value, ModifyIndex: f.index, Session: session}
	return true, nil
}

func (f *fakeBackend) SessionCreate(name string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("session-%d", f.seq)
	f.sessions[id] = true
	return id, nil
}

func (f *fakeBackend) SessionRenew(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return err
	}
	if f.renewErr != nil {
		return f.renewErr
	}
	if !f.sessions[id] {
		return fmt.Errorf("session %s no longer exists", id)
	}
	return nil
}

func (f *fakeBackend) SessionDestroy(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUp(); err != nil {
		return err
	}
	f.expireLocked(id)
	return nil
}

// expireSession simulates TTL expiry: the session and every entry it
// acquired disappear.
func (f *fakeBackend) expireSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(id)
}

func (f *fakeBackend) expireLocked(id string) {
	delete(f.sessions, id)
	for key, entry := range f.kv {
		if entry.Session == id {
			delete(f.kv, key)
		}
	}
}

// newTestClient wires a Client to the fake with short retry budgets.
func newTestClient(backend *fakeBackend) *Client {
	client := NewClient(backend, "mcm/")
	client.retryInterval = time.Millisecond
	client.fastBudget = 20 * time.Millisecond
	client.slowBudget = 50 * time.Millisecond
	return client
}

// newTestSession creates and establishes a session against the fake.
func newTestSession(t interface{ Fatalf(string, ...interface{}) }, client *Client) *Session {
	session := NewSession(client, "mcm/instances")
	if err := session.Create(context.Background()); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}
