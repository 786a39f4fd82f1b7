// Package storage defines the key-value store that persists the RuleSet and
// Settings, plus JSON helpers shared by every backend.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/John-Robertt/reqguard/internal/model"
)

// Keys used by the engine.
const (
	KeyRules    = "rules"
	KeySettings = "settings"
)

// Store is a durable key-value store. Get reports ok=false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

type StorageError struct {
	AppError model.AppError
	Cause    error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// Err wraps a backend error for key as a *StorageError.
func Err(code, key string, cause error) error {
	return &StorageError{
		AppError: model.AppError{
			Code:    code,
			Message: fmt.Sprintf("存储操作失败：%s", key),
			Stage:   "storage",
		},
		Cause: cause,
	}
}

// LoadJSON decodes key into v. It returns ok=false, leaving v untouched, when
// the key is missing.
func LoadJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, Err("STORAGE_DECODE_ERROR", key, err)
	}
	return true, nil
}

func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return Err("STORAGE_ENCODE_ERROR", key, err)
	}
	return s.Set(ctx, key, b)
}

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}
