package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotm/core/audit"
	"github.com/sushant-115/gojotm/core/manager"
	"github.com/sushant-115/gojotm/internal/config"
	internaltelemetry "github.com/sushant-115/gojotm/internal/telemetry"
	"github.com/sushant-115/gojotm/pkg/logger"
	"github.com/sushant-115/gojotm/pkg/telemetry"
)

// session is everything one run of the transaction manager needs.
type session struct {
	runID     uuid.UUID
	logger    *zap.Logger
	auditPath string
	manager   *manager.Manager

	closers []func()
}

// openSession builds the logger, the transaction log, telemetry and the
// manager. Close releases them in reverse order.
func openSession(cfg config.Config, auditPath string) (*session, error) {
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &session{runID: uuid.New(), auditPath: auditPath}
	s.logger = zlogger.With(zap.String("run_id", s.runID.String()))
	s.closers = append(s.closers, func() { _ = s.logger.Sync() })

	auditLog, err := audit.Open(auditPath, s.logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if err := auditLog.Close(); err != nil {
			s.logger.Warn("Failed to close transaction log", zap.Error(err))
		}
	})
	auditLog.Header(s.runID, time.Now())

	tel, shutdown, err := telemetry.New(cfg.Telemetry, s.logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if err := shutdown(context.Background()); err != nil {
			s.logger.Warn("Failed to shut down telemetry", zap.Error(err))
		}
	})
	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "failed to create metrics")
	}

	s.manager = manager.New(cfg.Manager, auditLog, s.logger,
		manager.WithMetrics(metrics), manager.WithTracer(tel.Tracer))
	return s, nil
}

// Close releases the session's resources.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
