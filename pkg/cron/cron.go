// Package cron drives scheduled sweeps on a standard 5-field crontab,
// matching the teacher's cmd/scheduler/main.go cron wiring.
package cron

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"jobserver/pkg/logger"
)

// Entry is one scheduled callback.
type Entry struct {
	Schedule string
	Name     string
	Callback func()
}

// Driver owns a set of cron entries and an optional run-on-startup pass.
type Driver struct {
	c             *cron.Cron
	entries       []Entry
	runOnStartup  bool
}

// New builds a Driver. runOnStartup triggers every callback once immediately
// in addition to its schedule; missed ticks while the process was down are
// never backfilled.
func New(runOnStartup bool) *Driver {
	return &Driver{
		c:            cron.New(),
		runOnStartup: runOnStartup,
	}
}

// Add registers a callback against a 5-field crontab schedule.
func (d *Driver) Add(name, schedule string, callback func()) error {
	wrapped := func() {
		logger.Info("cron tick", zap.String("entry", name), zap.String("schedule", schedule))
		callback()
	}
	if _, err := d.c.AddFunc(schedule, wrapped); err != nil {
		return err
	}
	d.entries = append(d.entries, Entry{Schedule: schedule, Name: name, Callback: callback})
	return nil
}

// Start begins the cron scheduler and, if configured, runs every entry once
// immediately.
func (d *Driver) Start() {
	if d.runOnStartup {
		for _, e := range d.entries {
			logger.Info("cron run-on-startup", zap.String("entry", e.Name))
			e.Callback()
		}
	}
	d.c.Start()
}

// Stop halts the cron scheduler, waiting for any in-flight callback to
// finish.
func (d *Driver) Stop() {
	ctx := d.c.Stop()
	<-ctx.Done()
}
