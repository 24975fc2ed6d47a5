package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/pkg/config"
	"github.com/andrej220/rdeploy/pkg/config/mongostore"
	"github.com/andrej220/rdeploy/pkg/orchestrator"
	"github.com/andrej220/rdeploy/pkg/plan"
	"github.com/andrej220/rdeploy/pkg/report"
	"github.com/andrej220/rdeploy/pkg/reportstore"
	"github.com/andrej220/rdeploy/pkg/secrets"
	dm "github.com/andrej220/rdeploy/pkg/shared-models"
	"github.com/andrej220/rdeploy/pkg/transport"
	"github.com/andrej220/rdeploy/pkg/transport/sshtransport"
)

const eventTimeout = 10 * time.Second

type planLoader interface {
	LoadPlan(ctx context.Context, id string) (*plan.Document, error)
}

type reportSaver interface {
	Get(ctx context.Context, runID uuid.UUID) (*report.Report, error)
	Save(ctx context.Context, rep *report.Report, opts ...reportstore.SaveOptions) error
}

type eventPublisher interface {
	Publish(ctx context.Context, key []byte, v dm.RunEvent) error
}

type dialFunc func(ctx context.Context, cfg sshtransport.Config) (transport.Session, error)

func dialSSH(ctx context.Context, cfg sshtransport.Config) (transport.Session, error) {
	return sshtransport.Dial(ctx, cfg)
}

// mongoPlans loads plan documents by _id from the plans collection.
type mongoPlans struct {
	store *mongostore.MongoStore
}

func (m mongoPlans) LoadPlan(ctx context.Context, id string) (*plan.Document, error) {
	var doc plan.Document
	if err := m.store.WithID(id).Load(ctx, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// agent executes queued run requests one at a time against the configured target.
type agent struct {
	settings *config.Settings
	plans    planLoader
	reports  reportSaver
	events   eventPublisher
	secrets  secrets.Resolver
	dial     dialFunc
	now      func() time.Time
}

// handle runs one request. Failures before execution are published as a
// rejected event and returned; a finished run is reported even when steps failed.
func (a *agent) handle(ctx context.Context, req dm.RunRequest) error {
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}
	logger := lg.FromContext(ctx).With(lg.String("run_id", req.RunID.String()), lg.String("plan_id", req.PlanID))

	// a redelivered request must not deploy twice
	if _, err := a.reports.Get(ctx, req.RunID); err == nil {
		logger.Warn("run already reported, skipping")
		return nil
	} else if !errors.Is(err, reportstore.ErrNotFound) {
		return a.reject(ctx, req, fmt.Errorf("check report: %w", err))
	}

	doc, err := a.plans.LoadPlan(ctx, req.PlanID)
	if err != nil {
		return a.reject(ctx, req, fmt.Errorf("load plan: %w", err))
	}
	p, err := doc.Build(ctx, plan.BuildOptions{
		Secrets:        a.secrets,
		DefaultTimeout: a.settings.Run.DefaultTimeout,
	})
	if err != nil {
		return a.reject(ctx, req, err)
	}

	target, err := a.target(req)
	if err != nil {
		return a.reject(ctx, req, err)
	}
	sshCfg, err := target.SSHConfig(ctx, a.secrets)
	if err != nil {
		return a.reject(ctx, req, err)
	}
	session, err := a.dial(ctx, sshCfg)
	if err != nil {
		return a.reject(ctx, req, fmt.Errorf("connect %s: %w", target.Display(), err))
	}
	defer session.Close()

	orch := orchestrator.New(orchestrator.Options{
		OutputCap: a.settings.Run.OutputCap,
		Backoff:   a.settings.Run.Retry.NewBackOff,
		Observer:  &eventObserver{ctx: ctx, agent: a, req: req},
		Logger:    logger,
	})
	rep, err := orch.Execute(ctx, p, session,
		orchestrator.WithRunID(req.RunID),
		orchestrator.WithHost(target.Display()))
	if err != nil {
		return a.reject(ctx, req, err)
	}

	// stored even when ctx was cancelled mid-run
	saveCtx := context.WithoutCancel(ctx)
	if err := a.reports.Save(saveCtx, rep, reportstore.SaveOptions{Overwrite: false}); err != nil {
		logger.Error("failed to store report", lg.Err(err))
	}
	state := orchestrator.StateCompleted
	if rep.Status == report.StatusAborted {
		state = orchestrator.StateAborted
	}
	a.publish(saveCtx, dm.RunEvent{
		RunID:  req.RunID,
		PlanID: req.PlanID,
		Kind:   dm.EventState,
		State:  string(state),
		Status: string(rep.Status),
	})
	logger.Info("run reported", lg.String("status", string(rep.Status)))
	return nil
}

// target is the configured target with the request's overrides applied.
func (a *agent) target(req dm.RunRequest) (config.TargetSettings, error) {
	t := a.settings.Target
	if req.Host != "" {
		t.Host = req.Host
	}
	if req.Port != 0 {
		t.Port = req.Port
	}
	if req.User != "" {
		t.User = req.User
	}
	s := config.Settings{Target: t}
	if err := s.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (a *agent) reject(ctx context.Context, req dm.RunRequest, cause error) error {
	a.publish(context.WithoutCancel(ctx), dm.RunEvent{
		RunID:  req.RunID,
		PlanID: req.PlanID,
		Kind:   dm.EventRejected,
		Error:  cause.Error(),
	})
	return fmt.Errorf("run %s: %w", req.RunID, cause)
}

// publish is best effort; a lost event never fails a run.
func (a *agent) publish(ctx context.Context, ev dm.RunEvent) {
	ev.At = a.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	if err := a.events.Publish(ctx, ev.RunID[:], ev); err != nil {
		lg.FromContext(ctx).Warn("failed to publish event",
			lg.String("run_id", ev.RunID.String()),
			lg.String("kind", string(ev.Kind)),
			lg.Err(err))
	}
}

// eventObserver turns orchestrator notifications into run events. Terminal
// states are published by the agent once the report is stored.
type eventObserver struct {
	ctx   context.Context
	agent *agent
	req   dm.RunRequest
}

var _ orchestrator.Observer = (*eventObserver)(nil)

func (o *eventObserver) OnState(_ uuid.UUID, s orchestrator.State) {
	if s == orchestrator.StateCompleted || s == orchestrator.StateAborted {
		return
	}
	o.agent.publish(o.ctx, dm.RunEvent{RunID: o.req.RunID, PlanID: o.req.PlanID, Kind: dm.EventState, State: string(s)})
}

func (o *eventObserver) OnStepStart(plan.Step, int) {}

func (o *eventObserver) OnStepResult(res report.StepResult) {
	o.agent.publish(o.ctx, dm.RunEvent{
		RunID:    o.req.RunID,
		PlanID:   o.req.PlanID,
		Kind:     dm.EventStep,
		Step:     res.StepName,
		ExitCode: res.ExitCode,
		Attempts: res.Attempts,
		Error:    res.Error,
	})
}
