package runtime

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	status error
}
type secondMockService struct {
	status error
}

func (*mockService) Start()                {}
func (*mockService) Stop() error           { return nil }
func (m *mockService) Status() error       { return m.status }
func (*secondMockService) Start()          {}
func (*secondMockService) Stop() error     { return nil }
func (s *secondMockService) Status() error { return s.status }

func TestRegisterService_Twice(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))
	require.Len(t, registry.serviceTypes, 1)
	assert.ErrorContains(t, registry.RegisterService(m), "service already exists")
}

func TestRegisterService_Different(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(m))
	require.NoError(t, registry.RegisterService(s))
	require.Len(t, registry.serviceTypes, 2)

	_, exists := registry.services[reflect.TypeOf(m)]
	assert.True(t, exists)
	_, exists = registry.services[reflect.TypeOf(s)]
	assert.True(t, exists)
}

func TestFetchService(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))

	assert.ErrorContains(t, registry.FetchService(*m), "input must be of pointer type")

	var missing *secondMockService
	assert.ErrorContains(t, registry.FetchService(&missing), "unknown service")

	var fetched *mockService
	require.NoError(t, registry.FetchService(&fetched))
	require.Same(t, m, fetched)
}

func TestStatuses(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(m))
	require.NoError(t, registry.RegisterService(s))

	m.status = errors.New("connection refused")

	statuses := registry.Statuses()
	assert.ErrorContains(t, statuses[reflect.TypeOf(m)], "connection refused")
	assert.NoError(t, statuses[reflect.TypeOf(s)])
}
