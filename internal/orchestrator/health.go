package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"drguard/internal/apperrors"
	"drguard/internal/ident"
	"drguard/internal/notify"
)

// healthLoop runs CheckHealth at the configured fixed interval until the
// orchestrator stops. It reads published statistics only and never blocks on
// running jobs.
func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	timer := o.clk.NewTimer(o.config.HealthInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			o.CheckHealth(o.baseCtx)
			timer.Reset(o.config.HealthInterval)
		case <-o.baseCtx.Done():
			return
		}
	}
}

// CheckHealth runs one full health pass: classify every enabled component,
// derive the overall state, raise alerts for crossed thresholds, and
// auto-resolve alerts for components back at healthy.
func (o *Orchestrator) CheckHealth(ctx context.Context) *SystemStatus {
	now := o.clk.Now().UTC()
	status := &SystemStatus{
		Overall:    StateHealthy,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  now,
	}

	status.Components["backup"] = o.checkBackups(now)
	status.Components["restore"] = o.checkRestores(now)
	if o.components.Scheduler != nil {
		status.Components["scheduler"] = o.checkScheduler(now)
	}
	if o.components.Replicator != nil {
		status.Components["replication"] = o.checkReplication(now)
	}
	if o.components.Tester != nil {
		status.Components["recovery"] = o.checkRecovery(now)
	}
	for name := range o.components.Providers {
		status.Components["storage:"+name] = o.checkProvider(ctx, name, now)
	}

	for _, component := range status.Components {
		status.Overall = worse(status.Overall, component.State)
	}

	o.reconcileAlerts(ctx, status)

	o.mu.Lock()
	previous := o.lastStatus
	o.lastStatus = status
	o.mu.Unlock()

	if previous != nil && previous.Overall != status.Overall {
		o.logger.LogHealthTransition("system", string(previous.Overall), string(status.Overall), "")
	}
	return status
}

// Status returns the most recent health check result, running one on demand
// when none exists yet.
func (o *Orchestrator) Status(ctx context.Context) *SystemStatus {
	o.mu.RLock()
	last := o.lastStatus
	o.mu.RUnlock()
	if last != nil {
		return last
	}
	return o.CheckHealth(ctx)
}

// classifyRate maps a success rate onto the standard health bands.
func (o *Orchestrator) classifyRate(rate float64) HealthState {
	switch {
	case rate >= o.config.Thresholds.HealthyRate:
		return StateHealthy
	case rate >= o.config.Thresholds.DegradedRate:
		return StateDegraded
	default:
		return StateCritical
	}
}

func (o *Orchestrator) checkBackups(now time.Time) ComponentHealth {
	stats := o.components.Backups.Stats()
	rate := stats.SuccessRate()
	health := ComponentHealth{
		State:     o.classifyRate(rate),
		CheckedAt: now,
		Metrics: map[string]float64{
			"success_rate": rate,
			"total_jobs":   float64(stats.TotalJobs),
			"failed":       float64(stats.Failed),
		},
	}
	if health.State != StateHealthy {
		health.Message = fmt.Sprintf("backup success rate %.1f%%", rate)
	}
	return health
}

func (o *Orchestrator) checkRestores(now time.Time) ComponentHealth {
	stats := o.components.Restorer.Stats()
	rate := stats.SuccessRate()
	health := ComponentHealth{
		State:     o.classifyRate(rate),
		CheckedAt: now,
		Metrics: map[string]float64{
			"success_rate": rate,
			"active":       float64(stats.Active),
		},
	}
	if health.State != StateHealthy {
		health.Message = fmt.Sprintf("restore success rate %.1f%%", rate)
	}
	return health
}

func (o *Orchestrator) checkScheduler(now time.Time) ComponentHealth {
	stats := o.components.Scheduler.Stats()
	rate := 100.0
	if stats.Fires > 0 {
		rate = float64(stats.Fires-stats.Failures) / float64(stats.Fires) * 100
	}
	health := ComponentHealth{
		State:     o.classifyRate(rate),
		CheckedAt: now,
		Metrics: map[string]float64{
			"success_rate": rate,
			"schedules":    float64(stats.Schedules),
			"enabled":      float64(stats.Enabled),
		},
	}
	if health.State != StateHealthy {
		health.Message = fmt.Sprintf("scheduled backup success rate %.1f%%", rate)
	}
	return health
}

func (o *Orchestrator) checkReplication(now time.Time) ComponentHealth {
	stats := o.components.Replicator.Stats()
	rate := stats.SuccessRate()
	state := o.classifyRate(rate)
	message := ""
	if state != StateHealthy {
		message = fmt.Sprintf("replication success rate %.1f%%", rate)
	}
	// An open breaker means a region is unreachable right now, regardless of
	// the historical rate.
	if stats.OpenBreakers > 0 {
		state = worse(state, StateDegraded)
		message = fmt.Sprintf("%d region circuit breaker(s) open", stats.OpenBreakers)
	}
	return ComponentHealth{
		State:     state,
		Message:   message,
		CheckedAt: now,
		Metrics: map[string]float64{
			"success_rate":  rate,
			"queue_depth":   float64(stats.QueueDepth),
			"open_breakers": float64(stats.OpenBreakers),
		},
	}
}

func (o *Orchestrator) checkRecovery(now time.Time) ComponentHealth {
	stats := o.components.Tester.Stats()
	rate := stats.SuccessRate()
	health := ComponentHealth{
		State:     o.classifyRate(rate),
		CheckedAt: now,
		Metrics: map[string]float64{
			"success_rate": rate,
			"last_score":   float64(stats.LastScore),
		},
	}
	if health.State != StateHealthy {
		health.Message = fmt.Sprintf("recovery test success rate %.1f%%", rate)
	}
	return health
}

func (o *Orchestrator) checkProvider(ctx context.Context, name string, now time.Time) ComponentHealth {
	provider := o.components.Providers[name]
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := provider.HealthCheck(checkCtx); err != nil {
		return ComponentHealth{
			State:     StateOffline,
			Message:   err.Error(),
			CheckedAt: now,
		}
	}
	return ComponentHealth{State: StateHealthy, CheckedAt: now}
}

// reconcileAlerts raises one alert per component crossing out of healthy and
// auto-resolves open alerts once the component recovers. An equivalent
// unresolved alert suppresses a new one.
func (o *Orchestrator) reconcileAlerts(ctx context.Context, status *SystemStatus) {
	now := status.CheckedAt

	o.mu.Lock()
	var created []*SystemAlert
	var touched []*SystemAlert
	for name, component := range status.Components {
		if component.State == StateHealthy {
			for _, alert := range o.alerts {
				if alert.Component == name && !alert.resolved() {
					resolvedAt := now
					alert.ResolvedAt = &resolvedAt
					touched = append(touched, alert)
				}
			}
			continue
		}

		severity := severityFor(component.State)
		duplicate := false
		for _, alert := range o.alerts {
			if alert.Component == name && alert.Severity == severity && !alert.resolved() {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		message := component.Message
		if message == "" {
			message = fmt.Sprintf("component %s is %s", name, component.State)
		}
		alert := &SystemAlert{
			ID:        ident.New(ident.KindAlert, now),
			Severity:  severity,
			Component: name,
			Message:   message,
			Timestamp: now,
		}
		o.alerts[alert.ID] = alert
		created = append(created, alert)
		touched = append(touched, alert)
	}
	o.mu.Unlock()

	for _, alert := range touched {
		if err := o.store.Save(stateAlerts, alert.ID, alert); err != nil {
			o.logger.WithField("alert_id", alert.ID).Warnf("Failed to persist alert: %v", err)
		}
	}
	for _, alert := range created {
		o.logger.WithFields(map[string]interface{}{
			"alert_id":  alert.ID,
			"component": alert.Component,
			"severity":  string(alert.Severity),
		}).Warn("System alert created")
		if o.notifier != nil {
			o.notifier.Publish(ctx, notify.EventAlertCreated, map[string]interface{}{
				"alert_id":  alert.ID,
				"component": alert.Component,
				"severity":  string(alert.Severity),
				"message":   alert.Message,
			})
		}
	}
}

// AcknowledgeAlert marks an alert as seen by an operator.
func (o *Orchestrator) AcknowledgeAlert(alertID string) error {
	o.mu.Lock()
	alert, ok := o.alerts[alertID]
	if !ok {
		o.mu.Unlock()
		return apperrors.NewValidationError(fmt.Sprintf("alert %s not found", alertID), nil)
	}
	alert.Acknowledged = true
	snapshot := *alert
	o.mu.Unlock()
	return o.store.Save(stateAlerts, alertID, &snapshot)
}

// ResolveAlert closes an alert explicitly.
func (o *Orchestrator) ResolveAlert(alertID string) error {
	o.mu.Lock()
	alert, ok := o.alerts[alertID]
	if !ok {
		o.mu.Unlock()
		return apperrors.NewValidationError(fmt.Sprintf("alert %s not found", alertID), nil)
	}
	if !alert.resolved() {
		resolvedAt := o.clk.Now().UTC()
		alert.ResolvedAt = &resolvedAt
	}
	snapshot := *alert
	o.mu.Unlock()
	return o.store.Save(stateAlerts, alertID, &snapshot)
}

// ActiveAlerts returns unresolved alerts, newest first.
func (o *Orchestrator) ActiveAlerts() []*SystemAlert {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*SystemAlert
	for _, alert := range o.alerts {
		if !alert.resolved() {
			snapshot := *alert
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// ListAlerts returns every alert, resolved included, newest first.
func (o *Orchestrator) ListAlerts() []*SystemAlert {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*SystemAlert, 0, len(o.alerts))
	for _, alert := range o.alerts {
		snapshot := *alert
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
