package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/provasonline/provas/internal/backup"
	"github.com/provasonline/provas/internal/collection"
	"github.com/provasonline/provas/internal/connectivity"
	"github.com/provasonline/provas/internal/dispatch"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/store"
	"github.com/provasonline/provas/internal/syncqueue"
)

// syncedCollections are the collections the registry has handlers for.
var syncedCollections = collection.Names{store.CollSubmissions}

// collectionSet decides which collections may be queued and delivered.
type collectionSet interface {
	Supported(collection string) bool
	Validate(collection string) error
}

// syncEngine is the offline queue with its monitor and dispatcher. It needs
// no data store.
type syncEngine struct {
	monitor    *connectivity.Monitor
	queue      *syncqueue.Queue
	dispatcher *dispatch.Dispatcher
}

// openSync builds the sync engine under <data-dir>/sync-queue. When
// drainOnOnline is set, every successful health probe drains the queue.
func openSync(v *viper.Viper, colls collectionSet, drainOnOnline bool) (*syncEngine, error) {
	e := &syncEngine{}
	monCfg := connectivity.Config{
		BaseURL:  v.GetString("api-url"),
		Interval: v.GetDuration("health-interval"),
		Timeout:  v.GetDuration("health-timeout"),
	}
	if drainOnOnline {
		monCfg.OnOnline = func(ctx context.Context) {
			if _, err := e.dispatcher.Drain(ctx); err != nil {
				slog.Error("drain after health check", "error", err)
			}
		}
	}
	e.monitor = connectivity.New(monCfg)

	var err error
	e.queue, err = syncqueue.New(filepath.Join(v.GetString("data-dir"), "sync-queue"),
		syncqueue.WithOnlineState(e.monitor),
		syncqueue.WithCollectionValidator(colls.Validate),
	)
	if err != nil {
		return nil, err
	}

	e.dispatcher = dispatch.New(e.queue, e.monitor, dispatch.Config{
		BaseURL:     v.GetString("api-url"),
		Token:       v.GetString("sync-token"),
		Timeout:     v.GetDuration("sync-timeout"),
		MaxAttempts: v.GetInt("max-attempts"),
		Supported:   colls.Supported,
		OnDeadLetter: func(it model.SyncItem) {
			slog.Error("sync item dead-lettered",
				"id", it.ID, "collection", it.Collection, "action", it.Action, "attempts", it.Attempts)
		},
	})
	return e, nil
}

// app holds the components shared by the server and the backup commands.
type app struct {
	*syncEngine
	store    *store.Store
	registry *collection.Registry
	backup   *backup.Engine
}

// openApp opens the data store and builds the sync and backup engines.
func openApp(ctx context.Context, v *viper.Viper, drainOnOnline bool) (*app, error) {
	db, err := store.Open(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}
	a := &app{store: db, registry: collection.NewRegistry()}
	a.registry.Register(store.CollSubmissions, collection.NewSubmissions(db))

	a.syncEngine, err = openSync(v, a.registry, drainOnOnline)
	if err != nil {
		db.Close()
		return nil, err
	}

	cfg := backup.Config{
		Dir:           filepath.Join(v.GetString("data-dir"), "backups"),
		KeepBackups:   v.GetInt("keep-backups"),
		KeepSummaries: v.GetInt("keep-summaries"),
	}
	if bucket := v.GetString("b2-bucket"); bucket != "" {
		up, err := backup.NewB2Uploader(ctx, v.GetString("b2-key-id"), v.GetString("b2-app-key"), bucket, v.GetString("b2-prefix"))
		if err != nil {
			slog.Warn("offsite backup disabled", "bucket", bucket, "error", err)
		} else {
			cfg.Uploader = up
			slog.Info("offsite backup enabled", "bucket", bucket)
		}
	}
	a.backup, err = backup.New(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// runBackup takes a snapshot and records it in the metadata collection.
func (a *app) runBackup(ctx context.Context) error {
	res, err := a.backup.Backup(ctx)
	if err != nil {
		return err
	}
	return a.store.RecordBackup(ctx, filepath.Base(res.File), res.Summary.Timestamp)
}

func (a *app) Close() error {
	return a.store.Close()
}
