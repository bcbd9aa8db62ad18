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

// Package router turns JSON documents into partition table names and hands
// out insert plans for those tables.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/bagger/internal/dimension"
	"github.com/cardinalhq/bagger/internal/logctx"
	"github.com/cardinalhq/bagger/internal/navigator"
	"github.com/cardinalhq/bagger/internal/partname"
	"github.com/cardinalhq/bagger/internal/plancache"
)

var (
	// ErrNotInitialized is returned when a document is routed before the
	// dimensions were loaded.
	ErrNotInitialized = errors.New("router: dimensions not initialized")

	// ErrInvalidDocument is returned for input that is not valid JSON.
	ErrInvalidDocument = errors.New("router: document is not valid JSON")
)

// Router holds everything needed to route documents for one database
// session. The registry is set once by Initialize and never changes after.
type Router struct {
	registry atomic.Pointer[dimension.Registry]
	nav      *navigator.Navigator
	plans    *plancache.Cache
}

// New returns an uninitialized Router.
func New(nav *navigator.Navigator, plans *plancache.Cache) *Router {
	if nav == nil {
		nav = navigator.New()
	}
	return &Router{nav: nav, plans: plans}
}

// Initialize loads the dimensions from src. It fails with a ConfigError of
// KindAlreadyInitialized on a second call.
func (r *Router) Initialize(ctx context.Context, src dimension.Source) error {
	if r.registry.Load() != nil {
		return &dimension.ConfigError{Kind: dimension.KindAlreadyInitialized}
	}

	reg, err := dimension.Load(ctx, src)
	if err != nil {
		return err
	}

	if !r.registry.CompareAndSwap(nil, reg) {
		return &dimension.ConfigError{Kind: dimension.KindAlreadyInitialized}
	}

	logctx.FromContext(ctx).Info("Loaded dimensions", "count", reg.Len())
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (r *Router) Initialized() bool {
	return r.registry.Load() != nil
}

// Dimensions returns the loaded dimensions in registry order, or nil before
// Initialize.
func (r *Router) Dimensions() []dimension.Spec {
	reg := r.registry.Load()
	if reg == nil {
		return nil
	}
	return reg.Specs()
}

// BuildPartitionName returns the partition table name for doc.
//
// Dimensions that cannot be found contribute an empty label and are logged
// as warnings; only malformed input, a type mismatch between a pointer and
// the document, or an over-long name are errors.
func (r *Router) BuildPartitionName(ctx context.Context, doc []byte) (string, error) {
	reg := r.registry.Load()
	if reg == nil {
		return "", ErrNotInitialized
	}
	if !gjson.ValidBytes(doc) {
		return "", ErrInvalidDocument
	}

	root := gjson.ParseBytes(doc)
	specs := reg.Specs()
	labels := make([]partname.Label, 0, len(specs))

	for _, spec := range specs {
		res, err := r.nav.Extract(root, spec)
		if err != nil {
			return "", fmt.Errorf("dimension %d: %w", spec.Ordinal, err)
		}
		if res.Missing {
			logctx.FromContext(ctx).Warn("Dimension not found in document",
				"pointer", spec.Raw,
				"ordinal", spec.Ordinal,
				"reason", res.Reason)
			lookupMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("pointer", spec.Raw)))
		}
		labels = append(labels, res.Label)
	}

	return partname.Build(labels)
}

// GetInsertPlan returns a validated insert plan for table.
func (r *Router) GetInsertPlan(ctx context.Context, table string) (*plancache.Plan, error) {
	if r.plans == nil {
		return nil, errors.New("router: no plan cache configured")
	}
	return r.plans.Get(ctx, table)
}

// ResetCache releases every cached plan.
func (r *Router) ResetCache(ctx context.Context) error {
	if r.plans == nil {
		return nil
	}
	return r.plans.Reset(ctx)
}
