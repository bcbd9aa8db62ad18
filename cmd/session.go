// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cardinalhq/bagger/config"
	"github.com/cardinalhq/bagger/internal/dbopen"
	"github.com/cardinalhq/bagger/internal/dimension"
	"github.com/cardinalhq/bagger/internal/navigator"
	"github.com/cardinalhq/bagger/internal/pgstore"
	"github.com/cardinalhq/bagger/internal/plancache"
	"github.com/cardinalhq/bagger/internal/router"
	"github.com/cardinalhq/bagger/migrations"
)

// routingSession is one database connection with the router and plan cache
// that belong to it.
type routingSession struct {
	store  *pgstore.Session
	router *router.Router
}

func checkSchema(ctx context.Context, cfg *config.Config) error {
	mode, err := migrations.ParseCheckMode(cfg.Migrations.CheckMode)
	if err != nil {
		return err
	}
	if mode == migrations.CheckModeSkip {
		return nil
	}
	pool, err := dbopen.ConnectToBaggerDB(ctx,
		migrations.WithCheckMode(mode),
		migrations.WithTimeout(cfg.Migrations.Timeout))
	if err != nil {
		return err
	}
	pool.Close()
	return nil
}

func openSession(ctx context.Context, cfg *config.Config) (*routingSession, error) {
	if err := checkSchema(ctx, cfg); err != nil {
		return nil, err
	}

	conn, err := dbopen.ConnectSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := pgstore.NewSession(conn,
		pgstore.WithSchema(cfg.Router.Schema),
		pgstore.WithTemplateTable(cfg.Ingest.TemplateTable))
	cache := plancache.New(store, store,
		plancache.WithParamType(cfg.Router.ParamType),
		plancache.WithMaxEntries(cfg.PlanCache.MaxEntries))

	r := router.New(newNavigator(cfg), cache)
	if err := r.Initialize(ctx, store); err != nil {
		_ = store.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	return &routingSession{store: store, router: r}, nil
}

func (s *routingSession) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(s.router.ResetCache(ctx), s.store.Close(ctx))
}

func newNavigator(cfg *config.Config) *navigator.Navigator {
	return navigator.New(navigator.WithSortedKeys(cfg.Router.SortedKeys))
}

// staticDimensions turns "/a,/b/c" into rows ranked by position.
func staticDimensions(list string) dimension.StaticSource {
	var src dimension.StaticSource
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		src = append(src, dimension.Row{Pointer: []byte(p), Ordinal: len(src) + 1})
	}
	return src
}

// loadRouter builds a router without a plan cache, from the dimensions flag
// when given and from the database otherwise.
func loadRouter(ctx context.Context, cfg *config.Config, dims string) (*router.Router, func(), error) {
	r := router.New(newNavigator(cfg), nil)

	if dims != "" {
		if err := r.Initialize(ctx, staticDimensions(dims)); err != nil {
			return nil, nil, err
		}
		return r, func() {}, nil
	}

	if err := checkSchema(ctx, cfg); err != nil {
		return nil, nil, err
	}
	conn, err := dbopen.ConnectSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := pgstore.NewSession(conn)
	closeFn := func() {
		if err := store.Close(context.Background()); err != nil {
			slog.Warn("Failed to close database connection", "error", err)
		}
	}
	if err := r.Initialize(ctx, store); err != nil {
		closeFn()
		return nil, nil, err
	}
	return r, closeFn, nil
}
