package mocks

import (
	"github.com/brettbedarf/kernfs/store"
	"github.com/stretchr/testify/mock"
)

// MockStore implements store.Store for testing across packages
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) Get(k store.Key) ([]byte, error) {
	args := m.Called(k)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStore) Commit(batch []store.Record) error {
	args := m.Called(batch)
	return args.Error(0)
}

func (m *MockStore) Stats() (store.Stats, error) {
	args := m.Called()
	return args.Get(0).(store.Stats), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
