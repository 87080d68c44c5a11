package httpapi

import (
	"log/slog"

	"github.com/mistakeknot/canvass/internal/analytics"
	"github.com/mistakeknot/canvass/internal/metrics"
	"github.com/mistakeknot/canvass/internal/notify"
	"github.com/mistakeknot/canvass/internal/storage"
)

// Service serves the remote store, the offline delivery endpoint and the
// analytics views.
type Service struct {
	store    storage.Store
	analyzer *analytics.Analyzer
	pub      notify.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewService(store storage.Store, analyzer *analytics.Analyzer) *Service {
	return &Service{store: store, analyzer: analyzer, pub: notify.Nop{}, logger: slog.Default()}
}

func (s *Service) WithPublisher(p notify.Publisher) *Service {
	s.pub = p
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}
