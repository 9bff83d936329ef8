// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crystalchat/crystal/internal/access/policy/audit"
	"github.com/crystalchat/crystal/internal/access/policy/types"
)

var tracer = otel.Tracer("crystal/access")

// AuditLogger receives one entry per resolved decision. *audit.Logger
// implements it.
type AuditLogger interface {
	Log(ctx context.Context, entry audit.Entry) error
}

// Evaluator is the service face of the engine: it fetches snapshots,
// resolves, audits and records metrics.
type Evaluator struct {
	source SnapshotSource
	engine *Engine
	audit  AuditLogger
	now    func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEngine replaces the default engine.
func WithEngine(e *Engine) EvaluatorOption {
	return func(ev *Evaluator) {
		ev.engine = e
	}
}

// WithAuditLogger sends every decision to l.
func WithAuditLogger(l AuditLogger) EvaluatorOption {
	return func(ev *Evaluator) {
		ev.audit = l
	}
}

// NewEvaluator creates an Evaluator reading snapshots from source.
func NewEvaluator(source SnapshotSource, opts ...EvaluatorOption) *Evaluator {
	ev := &Evaluator{
		source: source,
		engine: defaultEngine,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Check resolves one request for a member.
func (ev *Evaluator) Check(ctx context.Context, serverID, memberID string, req types.Request) (decision types.Decision, err error) {
	ctx, span := tracer.Start(ctx, "access.check",
		trace.WithAttributes(
			attribute.String("access.server_id", serverID),
			attribute.String("access.member_id", memberID),
			attribute.String("access.permission", string(req.Permission)),
			attribute.String("access.scope", string(req.Scope)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("access.granted", decision.IsGranted()),
				attribute.String("access.reason", decision.Reason.String()),
			)
		}
		span.End()
	}()

	if err = validateRequest(req); err != nil {
		return types.Decision{}, err
	}

	start := ev.now()
	snap, err := ev.source.Snapshot(ctx, serverID, memberID)
	if err != nil {
		return types.Decision{}, err
	}
	decision = ev.engine.Resolve(snap, req)
	ev.record(ctx, serverID, memberID, decision, start)
	return decision, nil
}

// CheckAll resolves reqs against a single snapshot fetch. Decisions are
// returned in request order.
func (ev *Evaluator) CheckAll(ctx context.Context, serverID, memberID string, reqs []types.Request) (decisions []types.Decision, err error) {
	ctx, span := tracer.Start(ctx, "access.check_all",
		trace.WithAttributes(
			attribute.String("access.server_id", serverID),
			attribute.String("access.member_id", memberID),
			attribute.Int("access.requests", len(reqs)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, req := range reqs {
		if err = validateRequest(req); err != nil {
			return nil, err
		}
	}

	start := ev.now()
	snap, err := ev.source.Snapshot(ctx, serverID, memberID)
	if err != nil {
		return nil, err
	}
	decisions = ev.engine.ResolveAll(snap, reqs)
	for _, d := range decisions {
		ev.record(ctx, serverID, memberID, d, start)
	}
	return decisions, nil
}

// Effective lists the permissions a member holds at (scope, targetID).
// Effective listings are not audited.
func (ev *Evaluator) Effective(ctx context.Context, serverID, memberID string, scope types.Scope, targetID string) ([]types.Permission, error) {
	// Any catalog permission will do; only the scope and target are checked.
	probe, err := types.NewRequest(types.PermViewChannels, scope, targetID)
	if err != nil {
		return nil, oops.Code("INVALID_REQUEST").Errorf("%v", err)
	}
	snap, err := ev.source.Snapshot(ctx, serverID, memberID)
	if err != nil {
		return nil, err
	}
	return ev.engine.Effective(snap, probe.Scope, probe.TargetID), nil
}

// CanManage applies the hierarchy guard to actorID acting on targetID.
func (ev *Evaluator) CanManage(ctx context.Context, serverID, actorID, targetID string, action types.Action) (bool, error) {
	if _, ok := action.Capability(); !ok {
		return false, oops.Code("INVALID_REQUEST").With("action", action).Errorf("unknown action")
	}
	actor, target, err := ev.pair(ctx, serverID, actorID, targetID)
	if err != nil {
		return false, err
	}
	return ev.engine.CanManage(actor, target, action), nil
}

// CanAssignRole applies the hierarchy guard plus the escalation check for
// giving targetID the role roleID.
func (ev *Evaluator) CanAssignRole(ctx context.Context, serverID, actorID, targetID, roleID string) (bool, error) {
	position, err := ev.source.RolePosition(ctx, serverID, roleID)
	if err != nil {
		return false, err
	}
	actor, target, err := ev.pair(ctx, serverID, actorID, targetID)
	if err != nil {
		return false, err
	}
	return ev.engine.CanAssignRole(actor, target, position), nil
}

// CanEditRole reports whether actorID may change or delete roleID: the
// owner always may, anyone else needs MANAGE_ROLES and a rank strictly above
// the role's position.
func (ev *Evaluator) CanEditRole(ctx context.Context, serverID, actorID, roleID string) (bool, error) {
	position, err := ev.source.RolePosition(ctx, serverID, roleID)
	if err != nil {
		return false, err
	}
	actor, err := ev.source.Snapshot(ctx, serverID, actorID)
	if err != nil {
		return false, err
	}
	if actor.IsOwner {
		return true, nil
	}
	if position >= Rank(actor) {
		return false, nil
	}
	return ev.engine.Resolve(actor, types.MustRequest(types.PermManageRoles, types.ScopeServer, "")).IsGranted(), nil
}

// CanMoveRole is CanEditRole plus the escalation guard on the destination: a
// non-owner may only place the role strictly below their own rank.
func (ev *Evaluator) CanMoveRole(ctx context.Context, serverID, actorID, roleID string, position int) (bool, error) {
	ok, err := ev.CanEditRole(ctx, serverID, actorID, roleID)
	if err != nil || !ok {
		return false, err
	}
	actor, err := ev.source.Snapshot(ctx, serverID, actorID)
	if err != nil {
		return false, err
	}
	return actor.IsOwner || position < Rank(actor), nil
}

// Rank returns the member's highest role position.
func (ev *Evaluator) Rank(ctx context.Context, serverID, memberID string) (int, error) {
	snap, err := ev.source.Snapshot(ctx, serverID, memberID)
	if err != nil {
		return 0, err
	}
	return Rank(snap), nil
}

func (ev *Evaluator) pair(ctx context.Context, serverID, actorID, targetID string) (types.Snapshot, types.Snapshot, error) {
	actor, err := ev.source.Snapshot(ctx, serverID, actorID)
	if err != nil {
		return types.Snapshot{}, types.Snapshot{}, err
	}
	target, err := ev.source.Snapshot(ctx, serverID, targetID)
	if err != nil {
		return types.Snapshot{}, types.Snapshot{}, err
	}
	return actor, target, nil
}

func (ev *Evaluator) record(ctx context.Context, serverID, memberID string, d types.Decision, start time.Time) {
	took := ev.now().Sub(start)
	recordCheckDuration(took)
	RecordDecisionMetrics(d)

	if ev.audit == nil {
		return
	}
	if err := ev.audit.Log(ctx, audit.NewEntry(serverID, memberID, d, took, ev.now())); err != nil {
		slog.WarnContext(ctx, "audit log failed", "server_id", serverID, "member_id", memberID, "error", err)
	}
}

// validateRequest turns a malformed request into an INVALID_REQUEST error
// before it can reach the engine, which panics on one.
func validateRequest(req types.Request) error {
	if err := req.Validate(); err != nil {
		return oops.Code("INVALID_REQUEST").
			With("permission", req.Permission).
			With("scope", req.Scope).
			Errorf("%v", err)
	}
	return nil
}
