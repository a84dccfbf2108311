package connectors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

// MockRegistry stands in for the reputation and validation registries in
// standalone mode. It accepts every submission after a short random delay.
type MockRegistry struct {
	// MaxLatency bounds the simulated delay; zero disables it.
	MaxLatency time.Duration
	// Unstable makes every call fail.
	Unstable bool

	mu          sync.Mutex
	feedback    []domain.Feedback
	validations []domain.ValidationRequest
}

func (m *MockRegistry) SubmitFeedback(ctx context.Context, f domain.Feedback) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, f)
	return nil
}

func (m *MockRegistry) RequestValidation(ctx context.Context, r domain.ValidationRequest) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations = append(m.validations, r)
	return nil
}

func (m *MockRegistry) Feedback() []domain.Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Feedback(nil), m.feedback...)
}

func (m *MockRegistry) Validations() []domain.ValidationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ValidationRequest(nil), m.validations...)
}

func (m *MockRegistry) wait(ctx context.Context) error {
	if m.MaxLatency > 0 {
		latency := time.Duration(rand.Int63n(int64(m.MaxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Unstable {
		return fmt.Errorf("registry internal error")
	}
	return nil
}
