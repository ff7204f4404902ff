package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// MockBroker is a testify mock of scan.Broker.
type MockBroker struct {
	mock.Mock
}

// Publish records the call.
func (m *MockBroker) Publish(ctx context.Context, queue string, task scan.Task) error {
	args := m.Called(ctx, queue, task)
	return args.Error(0)
}

// Consume records the call.
func (m *MockBroker) Consume(ctx context.Context, queue string, concurrency int, handler scan.TaskHandler) error {
	args := m.Called(ctx, queue, concurrency, handler)
	return args.Error(0)
}

// Close records the call.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}
