package beaconclient

import (
	"context"
	"sync"
)

// MockBeaconClient is a fake ValidatorIndexResolver for testing.
type MockBeaconClient struct {
	mu             sync.RWMutex
	ValidatorIndex uint64
	Err            error
}

func NewMockBeaconClient(validatorIndex uint64) *MockBeaconClient {
	return &MockBeaconClient{ValidatorIndex: validatorIndex}
}

func (c *MockBeaconClient) ValidatorIndexForSlot(_ context.Context, _ uint64) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return c.ValidatorIndex, nil
}

// SetError makes subsequent lookups fail.
func (c *MockBeaconClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}
