package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/config"
	"github.com/example/tourbook/internal/db"
	"github.com/example/tourbook/internal/ledger"
	"github.com/example/tourbook/internal/logging"
	"github.com/example/tourbook/internal/migrate"
	"github.com/example/tourbook/internal/orchestrator"
	"github.com/example/tourbook/internal/routes"
)

// runtime is what every database-backed command starts from.
type runtime struct {
	cfg config.Config
	log *logrus.Entry
	db  *db.DB
}

func open(ctx context.Context, service string, migrateUp bool) (*runtime, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(service, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if migrateUp {
		applied, err := migrate.Up(ctx, d)
		if err != nil {
			d.Close()
			return nil, err
		}
		for _, v := range applied {
			log.WithFields(logrus.Fields{"action": "migration_applied", "version": v}).Info("applied migration")
		}
	}
	return &runtime{cfg: cfg, log: log, db: d}, nil
}

func (r *runtime) Close() {
	r.db.Close()
}

func (r *runtime) bookingService(dispatcher orchestrator.Dispatcher) *orchestrator.Service {
	return &orchestrator.Service{
		Routes:              routes.NewRepo(r.db),
		Ledger:              ledger.New(r.db),
		Store:               bookings.NewRepo(r.db),
		Dispatcher:          dispatcher,
		Location:            r.cfg.Location(),
		CompensationTimeout: r.cfg.CompensationTimeout,
		Log:                 r.log,
	}
}
