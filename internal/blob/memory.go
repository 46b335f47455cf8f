package blob

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
)

// Memory is an in-process Store used in tests and local runs without Redis.
// PutHook and GetHook, when set, run before the operation and can inject
// failures.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	ceiling int64

	PutHook func(handleHint string) error
	GetHook func(handle string) error
}

func NewMemory(ceiling int64) *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		ceiling: ceiling,
	}
}

func (m *Memory) MaxObjectSize() int64 {
	return m.ceiling
}

func (m *Memory) Put(ctx context.Context, data []byte, handleHint string) (string, error) {
	if m.PutHook != nil {
		if err := m.PutHook(handleHint); err != nil {
			return "", err
		}
	}
	if int64(len(data)) > m.ceiling {
		return "", apperrors.Newf(apperrors.ErrStorageCapacity, 507,
			"object size %d exceeds ceiling %d", len(data), m.ceiling)
	}
	handle := handleHint + "-" + uuid.NewString()
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	m.objects[handle] = stored
	m.mu.Unlock()
	return handle, nil
}

func (m *Memory) Get(ctx context.Context, handle string) ([]byte, error) {
	if m.GetHook != nil {
		if err := m.GetHook(handle); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	data, ok := m.objects[handle]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, handle string) error {
	m.mu.Lock()
	delete(m.objects, handle)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
