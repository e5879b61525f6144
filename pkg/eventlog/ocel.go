package eventlog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// OCEL 2.0 object-centric event log document, JSON flavor. Field names
// follow the published interchange format so the output loads directly
// into process mining tooling.

// OCELLog is a complete OCEL 2.0 document.
type OCELLog struct {
	ObjectTypes []OCELType   `json:"objectTypes"`
	EventTypes  []OCELType   `json:"eventTypes"`
	Objects     []OCELObject `json:"objects"`
	Events      []OCELEvent  `json:"events"`
}

// OCELType declares an object or event type and its attribute schema.
type OCELType struct {
	Name       string              `json:"name"`
	Attributes []OCELTypeAttribute `json:"attributes"`
}

// OCELTypeAttribute declares one typed attribute.
type OCELTypeAttribute struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// OCELObject is one object instance with time-stamped attribute values and
// qualified relationships to other objects.
type OCELObject struct {
	ID            string                `json:"id"`
	Type          string                `json:"type"`
	Attributes    []OCELObjectAttribute `json:"attributes,omitempty"`
	Relationships []OCELRelationship    `json:"relationships,omitempty"`
}

// OCELObjectAttribute is an attribute value observed at a point in time.
type OCELObjectAttribute struct {
	Name  string    `json:"name"`
	Time  time.Time `json:"time"`
	Value any       `json:"value"`
}

// OCELRelationship is a qualified reference to another object.
type OCELRelationship struct {
	ObjectID  string `json:"objectId"`
	Qualifier string `json:"qualifier"`
}

// OCELEvent is one event instance.
type OCELEvent struct {
	ID            string               `json:"id"`
	Type          string               `json:"type"`
	Time          time.Time            `json:"time"`
	Attributes    []OCELEventAttribute `json:"attributes,omitempty"`
	Relationships []OCELRelationship   `json:"relationships,omitempty"`
}

// OCELEventAttribute is an attribute value on an event.
type OCELEventAttribute struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Object and event type names used in the exported document.
const (
	ocelTypeJob       = "Job"
	ocelTypeAccount   = "Account"
	ocelTypeGroup     = "Group"
	ocelTypeHost      = "Host"
	ocelTypePartition = "Partition"

	ocelEventSubmit    = "Submit Job"
	ocelEventStarted   = "Job Started"
	ocelEventEnding    = "Job Ending"
	ocelEventCompleted = "Job Completed"
	ocelEventCancelled = "Job Cancelled"
	ocelEventFailed    = "Job Failed"
	ocelEventTimeout   = "Job Timeout"
	ocelEventOOM       = "Job Out Of Memory"
)

func ocelObjectTypes() []OCELType {
	return []OCELType{
		{Name: ocelTypeJob, Attributes: []OCELTypeAttribute{
			{Name: "state", Type: "string"},
			{Name: "command", Type: "string"},
			{Name: "work_dir", Type: "string"},
			{Name: "cpus", Type: "integer"},
			{Name: "min_memory", Type: "string"},
		}},
		{Name: ocelTypeAccount, Attributes: []OCELTypeAttribute{}},
		{Name: ocelTypeGroup, Attributes: []OCELTypeAttribute{}},
		{Name: ocelTypeHost, Attributes: []OCELTypeAttribute{}},
		{Name: ocelTypePartition, Attributes: []OCELTypeAttribute{}},
	}
}

func ocelEventTypes() []OCELType {
	return []OCELType{
		{Name: ocelEventSubmit, Attributes: []OCELTypeAttribute{}},
		{Name: ocelEventStarted, Attributes: []OCELTypeAttribute{}},
		{Name: ocelEventEnding, Attributes: []OCELTypeAttribute{}},
		{Name: ocelEventCompleted, Attributes: []OCELTypeAttribute{}},
		{Name: ocelEventCancelled, Attributes: []OCELTypeAttribute{}},
		{Name: ocelEventFailed, Attributes: []OCELTypeAttribute{
			{Name: "reason", Type: "string"},
		}},
		{Name: ocelEventTimeout, Attributes: []OCELTypeAttribute{}},
		{Name: ocelEventOOM, Attributes: []OCELTypeAttribute{}},
	}
}

// BuildOCEL assembles an OCEL 2.0 document from a set of records.
//
// Each job becomes a Job object related to the Account, Group, Partition,
// and Host objects its observations mention. Its observation history is
// replayed into lifecycle events, keyed on the scheduler's own state token
// when one was recorded. Jobs that never reached the scheduler are omitted;
// they have no process history to mine. Options.GroupBy has no effect here,
// grouping is a summary concern.
func BuildOCEL(records []jobregistry.JobRecord, opts Options) (*OCELLog, error) {
	for _, pattern := range opts.Names {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid name pattern: %q", pattern)
		}
	}

	inWindow := func(t time.Time) bool {
		if !opts.Since.IsZero() && t.Before(opts.Since) {
			return false
		}
		if !opts.Until.IsZero() && t.After(opts.Until) {
			return false
		}
		return true
	}

	log := &OCELLog{
		ObjectTypes: ocelObjectTypes(),
		EventTypes:  ocelEventTypes(),
	}
	accounts := map[string]bool{}
	groups := map[string]bool{}
	partitions := map[string]bool{}
	hosts := map[string]bool{}

	for i := range records {
		rec := &records[i]
		if rec.RemoteJobID == "" || len(rec.Observations) == 0 {
			continue
		}
		if !matchRecord(rec, opts) {
			continue
		}

		jobID := ocelJobID(rec)

		// Resolve the job's related objects, preferring what the
		// scheduler reported over what the spec declared.
		account := rec.Spec.Account
		group := ""
		partition := rec.Spec.Resources.Partition
		minMemory := rec.Spec.Resources.Memory
		jobHosts := map[string]bool{}
		for j := range rec.Observations {
			obs := &rec.Observations[j]
			if obs.Account != "" {
				account = obs.Account
			}
			if obs.Group != "" {
				group = obs.Group
			}
			if obs.Partition != "" {
				partition = obs.Partition
			}
			if obs.MinMemory != "" {
				minMemory = obs.MinMemory
			}
			for _, node := range obs.Nodes {
				jobHosts[node] = true
			}
		}

		first := &rec.Observations[0]
		last := &rec.Observations[len(rec.Observations)-1]
		submitAt := first.ObservedAt
		if rec.SubmittedAt != nil {
			submitAt = *rec.SubmittedAt
		}
		if first.SubmitTime != nil {
			submitAt = *first.SubmitTime
		}

		obj := OCELObject{
			ID:   jobID,
			Type: ocelTypeJob,
			Attributes: []OCELObjectAttribute{
				{Name: "state", Time: last.ObservedAt, Value: string(rec.Status)},
				{Name: "cpus", Time: submitAt, Value: rec.Spec.Resources.CPUsPerTask},
			},
		}
		if cmd := commandSummary(rec.Spec.Command); cmd != "" {
			obj.Attributes = append(obj.Attributes,
				OCELObjectAttribute{Name: "command", Time: submitAt, Value: cmd})
		}
		if rec.Spec.Workdir != "" {
			obj.Attributes = append(obj.Attributes,
				OCELObjectAttribute{Name: "work_dir", Time: submitAt, Value: rec.Spec.Workdir})
		}
		if minMemory != "" {
			obj.Attributes = append(obj.Attributes,
				OCELObjectAttribute{Name: "min_memory", Time: submitAt, Value: minMemory})
		}
		if account != "" {
			accounts[account] = true
			obj.Relationships = append(obj.Relationships,
				OCELRelationship{ObjectID: "acc_" + account, Qualifier: "submitted by"})
		}
		if group != "" {
			groups[group] = true
			obj.Relationships = append(obj.Relationships,
				OCELRelationship{ObjectID: "group_" + group, Qualifier: "submitted by group"})
		}
		if partition != "" {
			partitions[partition] = true
			obj.Relationships = append(obj.Relationships,
				OCELRelationship{ObjectID: "part_" + partition, Qualifier: "submitted on"})
		}
		for _, host := range sortedKeys(jobHosts) {
			hosts[host] = true
			obj.Relationships = append(obj.Relationships,
				OCELRelationship{ObjectID: "host_" + host, Qualifier: "executed on"})
		}
		log.Objects = append(log.Objects, obj)

		if inWindow(submitAt) {
			submit := OCELEvent{
				ID:   fmt.Sprintf("submit-%s-%d", jobID, len(log.Events)),
				Type: ocelEventSubmit,
				Time: submitAt,
				Relationships: []OCELRelationship{
					{ObjectID: jobID, Qualifier: "job"},
				},
			}
			if account != "" {
				submit.Relationships = append(submit.Relationships,
					OCELRelationship{ObjectID: "acc_" + account, Qualifier: "submitter"})
			}
			log.Events = append(log.Events, submit)
		}

		// Lifecycle events, one per distinct state reached.
		emitted := map[string]bool{}
		for j := range rec.Observations {
			obs := &rec.Observations[j]
			typ, prefix, ok := stateEvent(obs)
			if !ok || emitted[typ] {
				continue
			}
			emitted[typ] = true

			at := obs.ObservedAt
			if typ == ocelEventStarted && obs.StartTime != nil {
				at = *obs.StartTime
			}
			if obs.EndTime != nil && obs.Status.Terminal() {
				at = *obs.EndTime
			}
			if !inWindow(at) {
				continue
			}

			ev := OCELEvent{
				ID:   fmt.Sprintf("%s-%s-%d", prefix, jobID, len(log.Events)),
				Type: typ,
				Time: at,
				Relationships: []OCELRelationship{
					{ObjectID: jobID, Qualifier: "job"},
				},
			}
			if typ == ocelEventFailed && obs.Reason != "" {
				ev.Attributes = append(ev.Attributes,
					OCELEventAttribute{Name: "reason", Value: obs.Reason})
			}
			log.Events = append(log.Events, ev)
		}
	}

	for _, name := range sortedKeys(accounts) {
		log.Objects = append(log.Objects, OCELObject{ID: "acc_" + name, Type: ocelTypeAccount})
	}
	for _, name := range sortedKeys(groups) {
		log.Objects = append(log.Objects, OCELObject{ID: "group_" + name, Type: ocelTypeGroup})
	}
	for _, name := range sortedKeys(hosts) {
		log.Objects = append(log.Objects, OCELObject{ID: "host_" + name, Type: ocelTypeHost})
	}
	for _, name := range sortedKeys(partitions) {
		log.Objects = append(log.Objects, OCELObject{ID: "part_" + name, Type: ocelTypePartition})
	}

	return log, nil
}

// ocelJobID keeps reused scheduler IDs distinct across epochs.
func ocelJobID(rec *jobregistry.JobRecord) string {
	if rec.Epoch > 1 {
		return fmt.Sprintf("%s-e%d", rec.RemoteJobID, rec.Epoch)
	}
	return rec.RemoteJobID
}

// stateEvent maps an observation to its OCEL event type and ID prefix.
// Pending states produce no event; the submit event already covers them.
// Observations without a raw scheduler token (synthetic local or inferred
// ones) fall back to the folded status.
func stateEvent(obs *queue.Observation) (typ, prefix string, ok bool) {
	raw := strings.ToUpper(strings.TrimSpace(obs.RawState))
	switch {
	case raw == "":
		switch obs.Status {
		case queue.StatusRunning:
			return ocelEventStarted, "start", true
		case queue.StatusCompleted:
			return ocelEventCompleted, "ended", true
		case queue.StatusCancelled:
			return ocelEventCancelled, "cancelled", true
		case queue.StatusFailed:
			return ocelEventFailed, "failed", true
		}
		return "", "", false
	case raw == "RUNNING":
		return ocelEventStarted, "start", true
	case raw == "COMPLETING":
		return ocelEventEnding, "ending", true
	case raw == "COMPLETED":
		return ocelEventCompleted, "ended", true
	case strings.HasPrefix(raw, "CANCELLED"):
		return ocelEventCancelled, "cancelled", true
	case raw == "FAILED":
		return ocelEventFailed, "failed", true
	case raw == "TIMEOUT":
		return ocelEventTimeout, "timeout", true
	case raw == "OUT_OF_MEMORY":
		return ocelEventOOM, "oom", true
	}
	return "", "", false
}

// commandSummary reduces a script body to its first executable line.
func commandSummary(command string) string {
	for _, line := range strings.Split(command, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
