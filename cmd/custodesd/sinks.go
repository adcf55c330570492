package main

import (
	"context"
	"log/slog"

	"github.com/custodes-labs/custodes/pkg/passport"
	"github.com/custodes-labs/custodes/pkg/registry"
)

// jobKiller tears a job down by failing its allocations. In a full
// deployment this would also signal the node agent to stop the container;
// releasing the allocation is the authoritative platform-side step.
type jobKiller struct {
	registry *registry.Service
}

func (k *jobKiller) KillJob(ctx context.Context, jobID, reason string) error {
	slog.Warn("killing job", "job_id", jobID, "reason", reason)
	return k.registry.ReleaseByJob(ctx, jobID, registry.AllocationFailed)
}

// subjectBanner adapts the passport service to the detector's ban hook.
// Institution notification always rides along for detector-initiated bans.
type subjectBanner struct {
	passport *passport.Service
}

func (b *subjectBanner) BanSubject(ctx context.Context, subjectID, reason, by string) error {
	return b.passport.Ban(ctx, subjectID, reason, by, true)
}

// logNotifier is the default notification fan-out: structured log lines.
// Deployments swap in email or webhook delivery behind the same interface.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) NotifySubject(ctx context.Context, subjectID, message string) error {
	n.logger.Info("notify subject", "subject_id", subjectID, "message", message)
	return nil
}

func (n *logNotifier) NotifyInstitution(ctx context.Context, institutionID, message string) error {
	n.logger.Info("notify institution", "institution_id", institutionID, "message", message)
	return nil
}

func (n *logNotifier) NotifyPlatformAdmin(ctx context.Context, message string) error {
	n.logger.Warn("notify platform admin", "message", message)
	return nil
}
