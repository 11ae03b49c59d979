package app

import (
	"context"
	"log/slog"

	"github.com/thejerf/suture/v4"

	"github.com/loykin/gatewarden/internal/backup"
	"github.com/loykin/gatewarden/internal/schedule"
)

type pushService struct {
	sync *backup.Synchronizer
}

func (s *pushService) Serve(ctx context.Context) error { return s.sync.Loop(ctx) }

func (s *pushService) String() string { return "backup-push" }

// registrarService runs once per container lifetime.
type registrarService struct {
	registrar *schedule.Registrar
	log       *slog.Logger
}

func (s *registrarService) Serve(ctx context.Context) error {
	res := s.registrar.OnReady(ctx)
	if res.Err != nil {
		s.log.Warn("job registration incomplete", "error", res.Err)
	}
	return suture.ErrDoNotRestart
}

func (s *registrarService) String() string { return "schedule-registrar" }
