// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// hearth-sync runs a sync session against a homeserver and prints the
// timeline of every joined room as it arrives. It exists to exercise the
// engine end to end; it is not a client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/hearth/setup"
	setupconfig "github.com/element-hq/hearth/setup/config"
	"github.com/element-hq/hearth/syncengine/client"
	"github.com/element-hq/hearth/syncengine/session"
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/storage"
	"github.com/element-hq/hearth/syncengine/storage/memory"
	"github.com/element-hq/hearth/syncengine/storage/sqlite3"
	"github.com/element-hq/hearth/syncengine/types"
)

var configPath = flag.String("config", "hearth.yaml", "The path to the config file")

type timelinePrinter struct{}

func (timelinePrinter) OnTimelineEvent(ev *types.Event, dir types.Direction, st *state.RoomState) {
	if ev.Type != types.EventTypeMessage {
		return
	}
	name := st.Name
	if name == "" {
		name = ev.RoomID
	}
	fmt.Printf("[%s] %s: %s\n", name, ev.Sender, ev.ContentString("body"))
}

func main() {
	flag.Parse()

	cfg, err := setupconfig.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load config from %q", *configPath)
	}
	configErrors := &setupconfig.ConfigErrors{}
	cfg.Verify(configErrors)
	if len(*configErrors) > 0 {
		for _, err := range *configErrors {
			logrus.Errorf("Configuration error: %s", err)
		}
		logrus.Fatalf("Failed to start due to configuration errors")
	}

	setup.SetupHookLogging(cfg.Logging)

	if cfg.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			ServerName:       cfg.Homeserver.URL,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	cli, err := client.NewHTTPClient(cfg.Homeserver.URL, cfg.Homeserver.UserID, cfg.Homeserver.AccessTokenValue())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create homeserver client")
	}

	var store storage.Store
	if cfg.Storage.DatabasePath == "" {
		logrus.Warn("No database path configured, using in-memory store")
		store = memory.NewStore(cfg.Homeserver.UserID)
	} else {
		store, err = sqlite3.NewStore(cfg.Homeserver.UserID, cfg.Storage.DatabasePath)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open store")
		}
	}

	sess := session.New(session.Config{
		UserID:        cfg.Homeserver.UserID,
		Client:        cli,
		Store:         store,
		SyncTimeoutMS: cfg.Sync.TimeoutMS,
	})
	sess.AddGlobalListener(timelinePrinter{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithField("user_id", cfg.Homeserver.UserID).Info("Starting sync")
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("Sync loop exited")
	}

	logrus.Info("Shutting down")
	if err := sess.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close store cleanly")
		os.Exit(1)
	}
}
