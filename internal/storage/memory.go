package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryProvider is an in-memory provider used in tests and as a stand-in
// replica target. It honors the same semantics as the real backends.
type MemoryProvider struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// FailStore, FailRetrieve, and FailHealth inject errors for tests.
	FailStore    error
	FailRetrieve error
	FailHealth   error

	// StoreDelay simulates slow uploads.
	StoreDelay time.Duration

	now func() time.Time
}

type memoryObject struct {
	data       []byte
	modifiedAt time.Time
	metadata   map[string]string
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

// SetClock replaces the timestamp source, letting tests control ModifiedAt.
func (mp *MemoryProvider) SetClock(now func() time.Time) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.now = now
}

// Store keeps a copy of data under key.
func (mp *MemoryProvider) Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	if mp.StoreDelay > 0 {
		select {
		case <-time.After(mp.StoreDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if mp.FailStore != nil {
		return "", mp.FailStore
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}
	mp.objects[key] = memoryObject{data: buf, modifiedAt: mp.now(), metadata: meta}
	return "memory://" + key, nil
}

// Retrieve returns a copy of the stored bytes.
func (mp *MemoryProvider) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if mp.FailRetrieve != nil {
		return nil, mp.FailRetrieve
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	obj, ok := mp.objects[key]
	if !ok {
		return nil, notFoundError(key)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

// Delete removes the object if present.
func (mp *MemoryProvider) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.objects, key)
	return nil
}

// List returns objects under prefix ordered by key.
func (mp *MemoryProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	var objects []ObjectInfo
	for key, obj := range mp.objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, mp.info(key, obj))
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stat returns info for one object.
func (mp *MemoryProvider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	obj, ok := mp.objects[key]
	if !ok {
		return nil, notFoundError(key)
	}
	info := mp.info(key, obj)
	return &info, nil
}

// HealthCheck reports the injected health error, if any.
func (mp *MemoryProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mp.FailHealth
}

// Type returns the provider type.
func (mp *MemoryProvider) Type() ProviderType {
	return ProviderMemory
}

// Len returns the number of stored objects.
func (mp *MemoryProvider) Len() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.objects)
}

func (mp *MemoryProvider) info(key string, obj memoryObject) ObjectInfo {
	return ObjectInfo{
		Key:        key,
		Size:       int64(len(obj.data)),
		ModifiedAt: obj.modifiedAt,
		Location:   "memory://" + key,
		Metadata:   obj.metadata,
	}
}
