package display

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"drguard/internal/backup"
	"drguard/internal/orchestrator"
	"drguard/internal/recovery"
	"drguard/internal/replication"
	"drguard/internal/restore"
	"drguard/internal/schedule"
)

// Format selects how command output is rendered.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// IsValid reports whether the format is supported.
func (f Format) IsValid() bool {
	return f == FormatText || f == FormatJSON || f == FormatYAML
}

// Renderer writes domain records for humans or machines. Text output uses
// tables and status glyphs; json and yaml marshal records verbatim.
type Renderer struct {
	out     io.Writer
	format  Format
	palette *Palette
	unicode bool
	now     func() time.Time
}

// NewRenderer creates a renderer with terminal detection.
func NewRenderer(out io.Writer, format Format) *Renderer {
	if format == "" {
		format = FormatText
	}
	return &Renderer{
		out:     out,
		format:  format,
		palette: NewPalette(),
		unicode: detectUnicodeSupport(),
		now:     time.Now,
	}
}

// structured marshals a record for json/yaml formats. Returns true when it
// handled the output.
func (r *Renderer) structured(v interface{}) bool {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return true
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err == nil {
			_, _ = r.out.Write(data)
		}
		return true
	default:
		return false
	}
}

// statusIcon maps the shared job/test/run status vocabulary to a glyph.
func (r *Renderer) statusIcon(status string) string {
	var icon Icon
	switch status {
	case "completed", "passed", "succeeded":
		icon = IconOK
	case "failed":
		icon = IconFailed
	case "running":
		icon = IconRunning
	case "skipped":
		icon = IconSkipped
	case "cancelled":
		icon = IconWarning
	default:
		icon = IconPending
	}
	return icon.Render(r.palette, r.unicode)
}

func (r *Renderer) healthIcon(state orchestrator.HealthState) string {
	var icon Icon
	switch state {
	case orchestrator.StateHealthy:
		icon = IconOK
	case orchestrator.StateDegraded:
		icon = IconWarning
	case orchestrator.StateCritical:
		icon = IconCritical
	default:
		icon = IconOffline
	}
	return icon.Render(r.palette, r.unicode)
}

// Successf prints a highlighted success line.
func (r *Renderer) Successf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, "%s %s\n", IconOK.Render(r.palette, r.unicode), fmt.Sprintf(format, args...))
}

// Warnf prints a warning line.
func (r *Renderer) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, "%s %s\n", IconWarning.Render(r.palette, r.unicode), fmt.Sprintf(format, args...))
}

// Errorf prints an error line.
func (r *Renderer) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, "%s %s\n", IconFailed.Render(r.palette, r.unicode), fmt.Sprintf(format, args...))
}

// BackupList renders the backup catalog, newest first.
func (r *Renderer) BackupList(backups []*backup.Metadata) {
	if r.structured(backups) {
		return
	}
	if len(backups) == 0 {
		fmt.Fprintln(r.out, "No backups in the catalog.")
		return
	}
	table := NewTable("ID", "KIND", "TIER", "CREATED", "SIZE", "ENCRYPTED", "BASE")
	for _, b := range backups {
		encrypted := "no"
		if b.Encrypted {
			encrypted = "yes"
		}
		base := b.BaseBackupID
		if base == "" {
			base = "-"
		}
		table.AddRow(b.ID, string(b.Kind), string(b.Tier),
			FormatTimeAgo(b.CreatedAt, r.now()), FormatBytes(b.StoredSize), encrypted, base)
	}
	table.RenderTo(r.out)
}

// BackupJob renders one backup job with its operation log.
func (r *Renderer) BackupJob(job *backup.Job) {
	if r.structured(job) {
		return
	}
	fmt.Fprintf(r.out, "%s %s  %s  phase=%s  progress=%d%%\n",
		r.statusIcon(string(job.Status)), job.ID, job.Status, job.Phase, job.Progress)
	if job.MetadataID != "" {
		fmt.Fprintf(r.out, "  backup: %s\n", job.MetadataID)
	}
	if job.Error != nil {
		fmt.Fprintf(r.out, "  error: [%s] %s\n", job.Error.Code, job.Error.Message)
	}
	for _, entry := range job.Log {
		fmt.Fprintf(r.out, "  %s  %-5s  %s\n",
			entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)
	}
}

// RestoreJob renders one restore job, including its verification report.
func (r *Renderer) RestoreJob(job *restore.Job) {
	if r.structured(job) {
		return
	}
	fmt.Fprintf(r.out, "%s %s  %s  phase=%s  progress=%d%%\n",
		r.statusIcon(string(job.Status)), job.ID, job.Status, job.Phase, job.Progress)
	fmt.Fprintf(r.out, "  restored: %d tables, %d records, %d files\n",
		job.RestoredTables, job.RestoredRecords, job.RestoredFiles)
	if job.Error != nil {
		fmt.Fprintf(r.out, "  error: [%s] %s\n", job.Error.Code, job.Error.Message)
	}
	if job.Verification == nil {
		return
	}
	fmt.Fprintf(r.out, "  verification: %s (%d passed, %d failed, %d warnings)\n",
		job.Verification.Verdict, job.Verification.Passed, job.Verification.Failed, job.Verification.Warnings)
	for _, check := range job.Verification.Checks {
		fmt.Fprintf(r.out, "    %s %-20s %s\n", r.statusIcon(string(check.Status)), check.Category, check.Detail)
	}
}

// ScheduleList renders all backup schedules.
func (r *Renderer) ScheduleList(schedules []*schedule.Schedule) {
	if r.structured(schedules) {
		return
	}
	if len(schedules) == 0 {
		fmt.Fprintln(r.out, "No schedules configured.")
		return
	}
	table := NewTable("ID", "NAME", "FREQUENCY", "KIND", "TIER", "ENABLED", "NEXT RUN", "LAST RUN")
	for _, s := range schedules {
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		lastRun := "never"
		if s.LastRun != nil {
			lastRun = FormatTimeAgo(*s.LastRun, r.now())
		}
		nextRun := "-"
		if s.Enabled && !s.NextRun.IsZero() {
			nextRun = s.NextRun.Format("2006-01-02 15:04 MST")
		}
		table.AddRow(s.ID, s.Name, string(s.Frequency), string(s.Kind), string(s.Tier), enabled, nextRun, lastRun)
	}
	table.RenderTo(r.out)
}

// ReplicationJob renders one replication job with per-region results.
func (r *Renderer) ReplicationJob(job *replication.Job) {
	if r.structured(job) {
		return
	}
	fmt.Fprintf(r.out, "%s %s  %s  backup=%s  %s of %s\n",
		r.statusIcon(string(job.Status)), job.ID, job.Status, job.BackupID,
		FormatBytes(job.Transferred), FormatBytes(job.Size))
	regions := make([]string, 0, len(job.Regions))
	for region := range job.Regions {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	for _, region := range regions {
		result := job.Regions[region]
		line := fmt.Sprintf("  %s %-16s %s", r.statusIcon(string(result.Status)), region, result.Status)
		if result.Error != nil {
			line += fmt.Sprintf("  [%s] %s", result.Error.Code, result.Error.Message)
		}
		fmt.Fprintln(r.out, line)
	}
}

// RecoveryTest renders one recovery test result.
func (r *Renderer) RecoveryTest(test *recovery.Test) {
	if r.structured(test) {
		return
	}
	fmt.Fprintf(r.out, "%s %s  %s  backup=%s  integrity=%d%%\n",
		r.statusIcon(string(test.Status)), test.ID, test.Status, test.BackupID, test.IntegrityScore)
	fmt.Fprintf(r.out, "  restore %s, validation %s, total %s\n",
		FormatDuration(test.RestoreTime), FormatDuration(test.ValidationTime), FormatDuration(test.TotalTime))
	for _, issue := range test.Issues {
		fmt.Fprintf(r.out, "  %s [%s] %s\n", IconWarning.Render(r.palette, r.unicode), issue.Severity, issue.Description)
	}
}

// SystemStatus renders the latest health check and any open alerts.
func (r *Renderer) SystemStatus(status *orchestrator.SystemStatus, alerts []*orchestrator.SystemAlert) {
	if r.structured(map[string]interface{}{"status": status, "alerts": alerts}) {
		return
	}
	fmt.Fprintf(r.out, "%s overall: %s  (checked %s)\n",
		r.healthIcon(status.Overall), status.Overall, FormatTimeAgo(status.CheckedAt, r.now()))

	names := make([]string, 0, len(status.Components))
	for name := range status.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		component := status.Components[name]
		line := fmt.Sprintf("  %s %-20s %s", r.healthIcon(component.State), name, component.State)
		if component.Message != "" {
			line += "  " + component.Message
		}
		fmt.Fprintln(r.out, line)
	}

	if len(alerts) == 0 {
		return
	}
	fmt.Fprintf(r.out, "\n%d active alert(s):\n", len(alerts))
	for _, alert := range alerts {
		acked := ""
		if alert.Acknowledged {
			acked = " (acknowledged)"
		}
		fmt.Fprintf(r.out, "  %s [%s] %s: %s%s\n",
			IconWarning.Render(r.palette, r.unicode), alert.Severity, alert.Component, alert.Message, acked)
	}
}

// RecoveryRun renders a disaster recovery run and its step results.
func (r *Renderer) RecoveryRun(run *orchestrator.Run) {
	if r.structured(run) {
		return
	}
	fmt.Fprintf(r.out, "%s %s  %s  type=%s  backup=%s\n",
		r.statusIcon(string(run.Status)), run.ID, run.Status, run.Type, run.BackupID)
	if run.Description != "" {
		fmt.Fprintf(r.out, "  %s\n", run.Description)
	}
	if len(run.AffectedSystems) > 0 {
		fmt.Fprintf(r.out, "  affected: %s\n", FormatList(run.AffectedSystems))
	}
	for _, step := range run.Steps {
		line := fmt.Sprintf("  %s %-20s %-9s", r.statusIcon(string(step.Status)), step.StepID, step.Status)
		if step.Attempts > 1 {
			line += fmt.Sprintf("  attempts=%d", step.Attempts)
		}
		if step.Duration > 0 {
			line += "  " + FormatDuration(step.Duration)
		}
		if step.Error != nil {
			line += fmt.Sprintf("  [%s] %s", step.Error.Code, step.Error.Message)
		}
		fmt.Fprintln(r.out, line)
	}
	if run.Error != nil {
		fmt.Fprintf(r.out, "  error: [%s] %s\n", run.Error.Code, run.Error.Message)
	}
}

// RunList renders archived disaster recovery runs.
func (r *Renderer) RunList(runs []*orchestrator.Run) {
	if r.structured(runs) {
		return
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "No disaster recovery runs recorded.")
		return
	}
	table := NewTable("ID", "TYPE", "STATUS", "BACKUP", "STARTED", "STEPS")
	for _, run := range runs {
		succeeded := 0
		for _, step := range run.Steps {
			if step.Status == orchestrator.StepSucceeded {
				succeeded++
			}
		}
		table.AddRow(run.ID, run.Type, string(run.Status), run.BackupID,
			FormatTimeAgo(run.StartedAt, r.now()),
			fmt.Sprintf("%d/%d", succeeded, len(run.Steps)))
	}
	table.RenderTo(r.out)
}
