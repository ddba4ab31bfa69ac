package orchestrator

import (
	"context"
	"errors"

	"pulseward/core/queue"
)

// Trigger kinds accepted by the trigger endpoint. They mirror the lifecycle
// notifications a host platform delivers to a long-running agent.
const (
	TriggerForeground       = "foreground"
	TriggerConnectivityUp   = "connectivity-up"
	TriggerConnectivityDown = "connectivity-down"
	TriggerBootCompleted    = "boot-completed"
	TriggerPackageReplaced  = "package-replaced"
)

var ErrUnknownTrigger = errors.New("unknown trigger")

// HandleTrigger routes a named lifecycle notification to its handler.
func (o *Orchestrator) HandleTrigger(ctx context.Context, kind string) error {
	switch kind {
	case TriggerForeground:
		o.OnForeground(ctx)
	case TriggerConnectivityUp:
		o.OnConnectivityChanged(ctx, true)
	case TriggerConnectivityDown:
		o.OnConnectivityChanged(ctx, false)
	case TriggerBootCompleted:
		return o.OnBootCompleted(ctx)
	case TriggerPackageReplaced:
		return o.OnPackageReplaced(ctx)
	default:
		return ErrUnknownTrigger
	}
	return nil
}

// OnForeground drains the pending queue immediately. Coming to the
// foreground is the strongest signal the process has full network access.
func (o *Orchestrator) OnForeground(ctx context.Context) {
	o.drainPending(ctx, false)
}

// OnConnectivityChanged reacts only to regained connectivity, and waits a
// short settle delay first because a freshly reported link often cannot
// route yet.
func (o *Orchestrator) OnConnectivityChanged(ctx context.Context, connected bool) {
	if !connected {
		return
	}
	o.drainPending(ctx, true)
}

// OnBootCompleted resumes the service after a host reboot when it was
// running before shutdown.
func (o *Orchestrator) OnBootCompleted(ctx context.Context) error {
	return o.resumeIfWasRunning(ctx)
}

// OnPackageReplaced resumes the service after the binary was upgraded in
// place.
func (o *Orchestrator) OnPackageReplaced(ctx context.Context) error {
	return o.resumeIfWasRunning(ctx)
}

// resumeIfWasRunning restores the previous session: if the persisted
// running flag is set and a configuration survived, start with it.
func (o *Orchestrator) resumeIfWasRunning(ctx context.Context) error {
	was, err := o.store.WasRunning(ctx)
	if err != nil {
		return err
	}
	if !was {
		return nil
	}
	if o.ShouldBeRunning() {
		return nil
	}
	cfg, err := o.store.LoadServiceConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		o.logger.Warnf("orchestrator: running flag set but no persisted config, clearing flag")
		return o.store.SetRunning(ctx, false)
	}
	o.logger.Infof("orchestrator: resuming previous session with %d endpoints", len(cfg.Endpoints))
	return o.Start(ctx, cfg)
}

func (o *Orchestrator) drainPending(ctx context.Context, settle bool) {
	var (
		delivered, kept int
		err             error
	)
	if settle {
		delivered, kept, err = o.pending.DrainAfterSettle(ctx, o.deliverPending)
	} else {
		delivered, kept, err = o.pending.Drain(ctx, o.deliverPending)
	}
	if err != nil {
		if !errors.Is(err, queue.ErrDrainInProgress) {
			o.logger.Errorf("orchestrator: drain pending: %v", err)
		}
		return
	}
	if delivered > 0 || kept > 0 {
		o.logger.Infof("orchestrator: drained pending reports: %d delivered, %d kept", delivered, kept)
	}
}
