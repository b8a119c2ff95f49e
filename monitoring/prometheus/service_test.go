package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-cas/runtime"
)

type stubService struct {
	status error
}

func (*stubService) Start()          {}
func (*stubService) Stop() error     { return nil }
func (s *stubService) Status() error { return s.status }

func TestHealthz(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&stubService{}))
	s := NewService(":0", registry)

	recorder := httptest.NewRecorder()
	s.healthzHandler(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "OK")
}

func TestHealthz_ReportsFailure(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&stubService{status: errors.New("db unreachable")}))
	s := NewService(":0", registry)

	recorder := httptest.NewRecorder()
	s.healthzHandler(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Contains(t, recorder.Body.String(), "db unreachable")
}

func TestLogrusCollector_CountsByPrefix(t *testing.T) {
	hook := NewLogrusCollector()
	entry := &logrus.Entry{
		Logger: logrus.StandardLogger(),
		Level:  logrus.InfoLevel,
		Data:   logrus.Fields{"prefix": "anchor"},
	}
	require.NoError(t, hook.Fire(entry))

	entry.Data = logrus.Fields{"prefix": 42}
	require.Error(t, hook.Fire(entry))
}
