package events

import (
	"github.com/slurmscope/slurmscope/pkg/diff"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// FromOutcome maps one recorded observation onto the events it implies.
// The engine and the poller both publish through this mapping so the live
// stream and the exported history agree on event shapes.
//
// Rejected appends produce no events. An accepted append produces at most
// one submitted-or-status event, one field_changed event per changed
// field, and one anomaly event per detected anomaly.
func FromOutcome(rec *jobregistry.JobRecord, obs queue.Observation, out jobregistry.AppendOutcome) []JobEvent {
	if !out.Accepted {
		return nil
	}

	base := JobEvent{
		At:          obs.ObservedAt,
		Handle:      rec.Handle,
		RemoteJobID: rec.RemoteJobID,
		Epoch:       rec.Epoch,
		Name:        rec.Spec.Name,
		Cluster:     rec.Spec.Cluster,
		Origin:      obs.Origin,
	}

	var evs []JobEvent
	if t := out.Transition; t != nil {
		ev := base
		if t.Initial() {
			ev.Kind = KindSubmitted
			ev.To = t.To
		} else {
			ev.Kind = KindStatusChanged
			ev.From = t.From
			ev.To = t.To
		}
		evs = append(evs, ev)
	}
	for _, fc := range out.FieldChanges {
		// Elapsed advances on nearly every poll; exported histories skip
		// it and the live stream matches.
		if fc.Field == diff.FieldElapsed {
			continue
		}
		ev := base
		ev.Kind = KindFieldChanged
		ev.Field = fc.Field
		ev.Old = fc.Old
		ev.New = fc.New
		evs = append(evs, ev)
	}
	for _, k := range out.Anomalies {
		ev := base
		ev.Kind = KindAnomaly
		ev.Anomaly = k
		if k == queue.AnomalyRegression {
			ev.From = out.Status
			ev.To = obs.Status
		}
		evs = append(evs, ev)
	}
	return evs
}
