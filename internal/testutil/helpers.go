// Package testutil provides fixtures and helpers shared by package tests.
package testutil

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// TestSecret returns a fresh random 32-byte device secret.
func TestSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, models.SecretSize)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

// TestDevice creates a device record with the given secret and table assignments.
func TestDevice(serial string, secret []byte, tables ...int) *models.DeviceRecord {
	if len(tables) == 0 {
		tables = []int{3, 5, 7}
	}
	return &models.DeviceRecord{
		Serial:           serial,
		Secret:           secret,
		TableAssignments: tables,
		DeviceFamily:     "Raspberry Pi",
		ProvisionedAt:    time.Now().UTC(),
	}
}

// TestAuditEvent creates an audit event of the given type.
func TestAuditEvent(subject string, eventType models.AuditEventType) *models.AuditEvent {
	return &models.AuditEvent{
		EventType: eventType,
		Actor:     "operator@birthmark.test",
		Subject:   subject,
		Result:    models.AuditEventResultSuccess,
		Metadata:  map[string]any{"source": "test"},
	}
}

// =============================================================================
// Assertion Helpers
// =============================================================================

// RequireEventually retries an assertion until it passes or times out.
func RequireEventually(t *testing.T, condition func() bool, timeout, interval time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	require.Fail(t, msg)
}

// =============================================================================
// Context Helpers
// =============================================================================

// TestContext creates a context with a test timeout.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// BDD Helpers
// =============================================================================

// Scenario runs a complete BDD scenario.
type Scenario struct {
	t *testing.T
}

// NewScenario creates a new BDD scenario.
func NewScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	t.Logf("Scenario: %s", name)
	return &Scenario{t: t}
}

// Given sets up the scenario preconditions.
func (s *Scenario) Given(description string, setup func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  Given %s", description)
	setup()
	return s
}

// When performs the action being tested.
func (s *Scenario) When(description string, action func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  When %s", description)
	action()
	return s
}

// Then asserts the expected outcome.
func (s *Scenario) Then(description string, assertion func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  Then %s", description)
	assertion()
	return s
}

// And adds an additional step.
func (s *Scenario) And(description string, step func()) *Scenario {
	s.t.Helper()
	s.t.Logf("  And %s", description)
	step()
	return s
}
