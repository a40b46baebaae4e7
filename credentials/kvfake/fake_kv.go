package kvfake

import (
	"errors"
	"sync"

	"github.com/jrsteele09/school-console/credentials"
)

var _ credentials.KV = (*FakeKV)(nil)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// FakeKV is an in-memory credentials.KV that can be told to fail specific writes.
type FakeKV struct {
	name       string
	values     map[string]string
	failSet    map[string]int // key -> remaining failures, -1 fails forever
	failDelete map[string]bool
	sets       int
	lock       sync.RWMutex
}

func NewFakeKV(name string) *FakeKV {
	return &FakeKV{
		name:       name,
		values:     make(map[string]string),
		failSet:    make(map[string]int),
		failDelete: make(map[string]bool),
	}
}

func (kv *FakeKV) Name() string {
	return kv.name
}

func (kv *FakeKV) Get(key string) (string, bool, error) {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	v, ok := kv.values[key]
	return v, ok, nil
}

func (kv *FakeKV) Set(key, value string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()

	kv.sets++
	if n, ok := kv.failSet[key]; ok && n != 0 {
		if n > 0 {
			kv.failSet[key] = n - 1
		}
		return ErrInjected
	}
	kv.values[key] = value
	return nil
}

func (kv *FakeKV) Delete(key string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()

	if kv.failDelete[key] {
		return ErrInjected
	}
	delete(kv.values, key)
	return nil
}

// FailSet makes the next times writes of key fail; times < 0 fails every write.
func (kv *FakeKV) FailSet(key string, times int) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.failSet[key] = times
}

func (kv *FakeKV) FailDelete(key string, fail bool) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.failDelete[key] = fail
}

// Put writes directly, bypassing failure injection. Used to stage corrupt states.
func (kv *FakeKV) Put(key, value string) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.values[key] = value
}

func (kv *FakeKV) Len() int {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	return len(kv.values)
}

func (kv *FakeKV) Sets() int {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	return kv.sets
}
