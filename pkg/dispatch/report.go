package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// DestinationReport is the accounting of one destination.
// Every admitted record ends up delivered, rerouted, dropped, or abandoned once the destination is Closed.
type DestinationReport struct {
	Name          string
	Role          Role
	State         DrainState
	Enqueued      uint64
	Delivered     uint64
	Rerouted      uint64
	Dropped       uint64
	Rejected      uint64
	Abandoned     uint64
	DrainDuration time.Duration
	TimedOut      bool
}

// Unresolved returns the admitted records that haven't been accounted for yet.
func (r DestinationReport) Unresolved() uint64 {
	resolved := r.Delivered + r.Rerouted + r.Dropped + r.Abandoned
	if resolved > r.Enqueued {
		return 0
	}
	return r.Enqueued - resolved
}

// Report is the aggregate result of stopping a Supervisor.
type Report struct {
	Destinations []DestinationReport
	// Unrouted records were selected by no destination.
	Unrouted uint64
	Duration time.Duration
}

func (r Report) Delivered() uint64 {
	var n uint64
	for _, d := range r.Destinations {
		n += d.Delivered
	}
	return n
}

func (r Report) Abandoned() uint64 {
	var n uint64
	for _, d := range r.Destinations {
		n += d.Abandoned
	}
	return n
}

// Dropped includes records that failed to write, records rejected after close, and unrouted records.
func (r Report) Dropped() uint64 {
	n := r.Unrouted
	for _, d := range r.Destinations {
		n += d.Dropped + d.Rejected
	}
	return n
}

// TimedOut lists the destinations that hit their drain timeout.
func (r Report) TimedOut() []string {
	var names []string
	for _, d := range r.Destinations {
		if d.TimedOut {
			names = append(names, d.Name)
		}
	}
	return names
}

func (r Report) Destination(name string) (DestinationReport, bool) {
	for _, d := range r.Destinations {
		if d.Name == name {
			return d, true
		}
	}
	return DestinationReport{}, false
}

func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "delivered %d, abandoned %d, dropped %d (unrouted %d) in %s\n",
		r.Delivered(), r.Abandoned(), r.Dropped(), r.Unrouted, r.Duration.Round(time.Millisecond))
	if timedOut := r.TimedOut(); len(timedOut) > 0 {
		fmt.Fprintf(&sb, "drain timed out: %s\n", strings.Join(timedOut, ", "))
	}
	for _, d := range r.Destinations {
		fmt.Fprintf(&sb, "  %s (%s, %s): enqueued=%d delivered=%d rerouted=%d dropped=%d rejected=%d abandoned=%d drain=%s",
			d.Name, d.Role, d.State, d.Enqueued, d.Delivered, d.Rerouted, d.Dropped, d.Rejected, d.Abandoned, d.DrainDuration.Round(time.Millisecond))
		if d.TimedOut {
			sb.WriteString(" TIMED OUT")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
