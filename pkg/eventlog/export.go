package eventlog

import (
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/slurmscope/slurmscope/pkg/diff"
	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// Export replays one job's observations into its derived event history.
//
// The first observation becomes a submitted event, stamped with the
// scheduler's submit time when the observation carries one. Status moves
// follow the same advancement rule the registry applies live, so a replayed
// history never disagrees with the record's derived status. Elapsed-time
// deltas are skipped: elapsed advances on nearly every observation and its
// progression is already in the observations themselves.
func Export(rec *jobregistry.JobRecord) []events.JobEvent {
	if rec == nil || len(rec.Observations) == 0 {
		return nil
	}

	base := events.JobEvent{
		Handle:      rec.Handle,
		RemoteJobID: rec.RemoteJobID,
		Epoch:       rec.Epoch,
		Name:        rec.Spec.Name,
		Cluster:     rec.Spec.Cluster,
	}

	var out []events.JobEvent
	var current queue.Status
	var prev *queue.Observation

	for i := range rec.Observations {
		obs := &rec.Observations[i]
		derived, regressed := diff.Advance(current, obs.Status)

		if prev == nil {
			ev := base
			ev.Kind = events.KindSubmitted
			ev.At = obs.ObservedAt
			if obs.SubmitTime != nil {
				ev.At = *obs.SubmitTime
			}
			ev.To = derived
			ev.Origin = obs.Origin
			out = append(out, ev)
		} else {
			for _, fc := range diff.Diff(prev, *obs).FieldChanges {
				if fc.Field == diff.FieldElapsed {
					continue
				}
				ev := base
				ev.Kind = events.KindFieldChanged
				ev.At = obs.ObservedAt
				ev.Field = fc.Field
				ev.Old = fc.Old
				ev.New = fc.New
				ev.Origin = obs.Origin
				out = append(out, ev)
			}
			if derived != current {
				ev := base
				ev.Kind = events.KindStatusChanged
				ev.At = obs.ObservedAt
				ev.From = current
				ev.To = derived
				ev.Origin = obs.Origin
				out = append(out, ev)
			}
		}

		if obs.Anomaly != "" {
			ev := base
			ev.Kind = events.KindAnomaly
			ev.At = obs.ObservedAt
			ev.Anomaly = obs.Anomaly
			ev.Origin = obs.Origin
			out = append(out, ev)
		}
		if regressed {
			ev := base
			ev.Kind = events.KindAnomaly
			ev.At = obs.ObservedAt
			ev.Anomaly = queue.AnomalyRegression
			ev.From = current
			ev.To = obs.Status
			ev.Origin = obs.Origin
			out = append(out, ev)
		}

		current = derived
		prev = obs
	}
	return out
}

// BuildLog assembles an export from a set of records: filter, replay,
// order, summarize.
func BuildLog(records []jobregistry.JobRecord, opts Options) (*Log, error) {
	for _, pattern := range opts.Names {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid name pattern: %q", pattern)
		}
	}
	if opts.GroupBy != "" {
		switch opts.GroupBy {
		case GroupByAccount, GroupByPartition, GroupByUser, GroupByName, GroupByCluster:
		default:
			return nil, fmt.Errorf("unsupported group-by key: %q", opts.GroupBy)
		}
	}

	log := &Log{GeneratedAt: time.Now().UTC()}
	groups := make(map[string]*GroupSummary)
	log.Summary.ByStatus = make(map[queue.Status]int)

	for i := range records {
		rec := &records[i]
		if !matchRecord(rec, opts) {
			continue
		}

		evs := Export(rec)
		kept := evs[:0]
		anomalies := 0
		for _, ev := range evs {
			if !opts.Since.IsZero() && ev.At.Before(opts.Since) {
				continue
			}
			if !opts.Until.IsZero() && ev.At.After(opts.Until) {
				continue
			}
			if ev.Kind == events.KindAnomaly {
				anomalies++
			}
			kept = append(kept, ev)
		}

		log.Events = append(log.Events, kept...)
		log.Traces = append(log.Traces, JobTrace{
			Handle:       rec.Handle,
			Name:         rec.Spec.Name,
			Cluster:      rec.Spec.Cluster,
			RemoteJobID:  rec.RemoteJobID,
			Epoch:        rec.Epoch,
			Status:       rec.Status,
			SubmittedAt:  rec.SubmittedAt,
			TerminalAt:   rec.TerminalAt,
			Observations: len(rec.Observations),
			Events:       len(kept),
			Anomalies:    anomalies,
		})

		log.Summary.Jobs++
		log.Summary.Events += len(kept)
		log.Summary.Anomalies += anomalies
		log.Summary.ByStatus[rec.Status]++

		if opts.GroupBy != "" {
			key := groupKey(rec, opts.GroupBy)
			g, ok := groups[key]
			if !ok {
				g = &GroupSummary{Key: key, ByStatus: make(map[queue.Status]int)}
				groups[key] = g
			}
			g.Jobs++
			g.Events += len(kept)
			g.Anomalies += anomalies
			g.ByStatus[rec.Status]++
		}
	}

	sort.SliceStable(log.Events, func(i, j int) bool {
		return log.Events[i].At.Before(log.Events[j].At)
	})
	if n := len(log.Events); n > 0 {
		first := log.Events[0].At
		last := log.Events[n-1].At
		log.Summary.FirstEvent = &first
		log.Summary.LastEvent = &last
	}

	for _, g := range groups {
		log.Groups = append(log.Groups, *g)
	}
	sort.Slice(log.Groups, func(i, j int) bool {
		return log.Groups[i].Key < log.Groups[j].Key
	})

	return log, nil
}

func matchRecord(rec *jobregistry.JobRecord, opts Options) bool {
	if len(opts.Names) > 0 {
		found := false
		for _, pattern := range opts.Names {
			if ok, _ := doublestar.Match(pattern, rec.Spec.Name); ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, s := range opts.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// groupKey extracts the aggregation key, preferring the spec's declaration
// and falling back to what the queue reported.
func groupKey(rec *jobregistry.JobRecord, groupBy string) string {
	last := rec.LastObservation()
	key := ""
	switch groupBy {
	case GroupByAccount:
		key = rec.Spec.Account
		if key == "" && last != nil {
			key = last.Account
		}
	case GroupByPartition:
		key = rec.Spec.Resources.Partition
		if key == "" && last != nil {
			key = last.Partition
		}
	case GroupByUser:
		if last != nil {
			key = last.User
		}
	case GroupByName:
		key = rec.Spec.Name
	case GroupByCluster:
		key = rec.Spec.Cluster
	}
	if key == "" {
		key = "(none)"
	}
	return key
}
