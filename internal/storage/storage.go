// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"tg_monitor/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertMonitor(ctx context.Context, spec model.MonitorSpec) error
	DeleteMonitor(ctx context.Context, id int64) error
	ListMonitors(ctx context.Context) ([]model.MonitorSpec, error)

	UpsertJob(ctx context.Context, job model.ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]model.ScheduledJob, error)

	UpsertAccount(ctx context.Context, account model.Account) error
	DeleteAccount(ctx context.Context, ordinal int) error
	ListAccounts(ctx context.Context) ([]model.Account, error)

	Close() error
}
