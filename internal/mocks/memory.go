package mocks

import "github.com/stretchr/testify/mock"

// MockMemory implements proc.Memory for testing across packages
type MockMemory struct {
	mock.Mock
}

func (m *MockMemory) CopyOut(addr uint64, src []byte) error {
	args := m.Called(addr, src)
	return args.Error(0)
}

func (m *MockMemory) CopyIn(dst []byte, addr uint64) error {
	args := m.Called(dst, addr)
	// Handle function return types so tests can fill dst
	if fn, ok := args.Get(0).(func([]byte, uint64) error); ok {
		return fn(dst, addr)
	}
	return args.Error(0)
}
