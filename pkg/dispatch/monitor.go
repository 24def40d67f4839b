package dispatch

import (
	"context"
	"time"

	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
)

const (
	monitorModule = "nomroute.monitor"
)

// MonitorRule is the rule of the statistics records sent to the monitor destination.
var MonitorRule = route.NewRuleMeta("nomroute.monitor")

func (s *Supervisor) runMonitor(ctx context.Context) {
	defer close(s.monitorDone)
	ticker := time.NewTicker(s.conf.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitStats(ctx)
		}
	}
}

// stopMonitor stops periodic emission and sends one last snapshot.
func (s *Supervisor) stopMonitor() {
	if s.monitorStop == nil {
		return
	}
	s.monitorStop()
	<-s.monitorDone
	s.mux.Lock()
	dl := s.deadline
	s.mux.Unlock()
	if dl.IsZero() {
		dl = time.Now().Add(s.monitor.opts.DrainTimeout)
	}
	ctx, cancel := context.WithDeadline(context.Background(), dl)
	defer cancel()
	s.emitStats(ctx)
}

func (s *Supervisor) emitStats(ctx context.Context) {
	now := time.Now().UTC()
	for _, w := range s.workers {
		if w == s.monitor {
			continue
		}
		r := w.Report()
		entry := entries.LogEntry{
			entries.StandardMessageField:   "Destination statistics",
			entries.StandardTimestampField: now.Format(time.RFC3339Nano),
			entries.StandardLevelField:     "info",
			entries.StandardModuleField:    monitorModule,
			entries.StandardRuleField:      MonitorRule.Name,
			"destination":                  r.Name,
			"role":                         r.Role.String(),
			"state":                        r.State.String(),
			"queued":                       w.QueueLen(),
			"pending":                      w.Pending(),
			"enqueued":                     r.Enqueued,
			"delivered":                    r.Delivered,
			"rerouted":                     r.Rerouted,
			"dropped":                      r.Dropped,
			"rejected":                     r.Rejected,
			"abandoned":                    r.Abandoned,
		}
		if err := s.monitor.Enqueue(ctx, entry, MonitorRule); err != nil {
			s.log.Debug("Monitor destination didn't take statistics", "error", err)
			return
		}
	}
}
