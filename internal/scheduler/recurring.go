package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"castd/internal/store"
	"castd/internal/transport"
	logx "castd/pkg/logx"
)

// Recurring materializes units from cron expressions. Each firing creates one
// immediately-due unit; the regular tick loop picks it up like any other.
type Recurring struct {
	cron *cron.Cron
	core *Core
	log  logx.Logger
}

func NewRecurring(core *Core, log logx.Logger) *Recurring {
	return &Recurring{
		cron: cron.New(),
		core: core,
		log:  log,
	}
}

// Add registers a recurring send. The spec uses standard 5-field cron syntax.
func (r *Recurring) Add(spec string, payload transport.Payload, targets []string) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := r.core.Schedule(ctx, []transport.Payload{payload}, targets, Plan{
			Mode:  store.ModeAutoSpace,
			Start: time.Now(),
		})
		if err != nil && !r.log.IsZero() {
			r.log.Error("recurring schedule failed",
				logx.String("cron", spec), logx.Err(err))
		}
	})
}

// Remove unregisters a recurring send.
func (r *Recurring) Remove(id cron.EntryID) { r.cron.Remove(id) }

// Start begins firing entries in the background.
func (r *Recurring) Start() { r.cron.Start() }

// Stop halts firing and waits for running jobs to finish.
func (r *Recurring) Stop() {
	<-r.cron.Stop().Done()
}
