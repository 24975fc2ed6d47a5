package commands

import (
	"context"

	"github.com/andrej220/rdeploy/internal/clierr"
	"github.com/andrej220/rdeploy/pkg/config"
	"github.com/andrej220/rdeploy/pkg/plan"
	"github.com/andrej220/rdeploy/pkg/secrets"
)

func loadDocument(ctx context.Context, path string) (*plan.Document, error) {
	store, err := config.NewStore(ctx, config.FileStore, &config.FileConfig{Path: path})
	if err != nil {
		return nil, err
	}
	var doc plan.Document
	if err := store.Load(ctx, &doc); err != nil {
		return nil, clierr.Invalid("load plan", err)
	}
	return &doc, nil
}

// buildPlan loads and builds the plan at path. Every failure is an invalid plan.
func (a *app) buildPlan(ctx context.Context, path string, resolver secrets.Resolver) (*plan.Plan, error) {
	doc, err := loadDocument(ctx, path)
	if err != nil {
		return nil, err
	}
	p, err := doc.Build(ctx, plan.BuildOptions{
		Secrets:        resolver,
		DefaultTimeout: a.settings.Run.DefaultTimeout,
	})
	if err != nil {
		return nil, clierr.Invalid("invalid plan "+path, err)
	}
	return p, nil
}
