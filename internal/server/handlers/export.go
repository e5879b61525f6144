package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/slurmscope/slurmscope/internal/errors"
	"github.com/slurmscope/slurmscope/pkg/eventlog"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
)

// ExportLog assembles the event-log document for the tracked jobs and
// writes it in the requested format.
//
// format=jsonl (default) streams the log as JSON Lines records,
// format=ocel writes an OCEL 2.0 document, format=summary writes only
// the aggregate summary.
func (a *JobsAPI) ExportLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts, err := exportOptions(q)
	if err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidationError, err.Error())
		return
	}

	records := a.registry.List(jobregistry.Filter{})

	format := strings.ToLower(q.Get("format"))
	switch format {
	case "", "jsonl":
		log, err := eventlog.BuildLog(records, opts)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		ew := eventlog.NewWriter(w, uuid.New().String())
		if err := ew.WriteLog(r.Context(), log); err != nil {
			a.logger.Warn("export stream aborted", zap.Error(err))
			return
		}
		_ = ew.Close()
	case "ocel":
		doc, err := eventlog.BuildOCEL(records, opts)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case "summary":
		log, err := eventlog.BuildLog(records, opts)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			GeneratedAt time.Time               `json:"generated_at"`
			Summary     eventlog.Summary        `json:"summary"`
			Groups      []eventlog.GroupSummary `json:"groups,omitempty"`
		}{log.GeneratedAt, log.Summary, log.Groups})
	default:
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidationError,
			fmt.Sprintf("unknown export format %q", format))
	}
}

// exportOptions parses the filter and grouping query parameters.
func exportOptions(q map[string][]string) (eventlog.Options, error) {
	var opts eventlog.Options

	get := func(key string) string {
		if vals := q[key]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	if names := get("name"); names != "" {
		opts.Names = strings.Split(names, ",")
	}

	statuses, err := parseStatuses(get("status"))
	if err != nil {
		return opts, err
	}
	opts.Statuses = statuses

	if since := get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return opts, fmt.Errorf("invalid since timestamp: %w", err)
		}
		opts.Since = t
	}
	if until := get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return opts, fmt.Errorf("invalid until timestamp: %w", err)
		}
		opts.Until = t
	}

	switch groupBy := get("group_by"); groupBy {
	case "", eventlog.GroupByAccount, eventlog.GroupByPartition,
		eventlog.GroupByUser, eventlog.GroupByName, eventlog.GroupByCluster:
		opts.GroupBy = groupBy
	default:
		return opts, fmt.Errorf("unknown group_by key %q", groupBy)
	}

	return opts, nil
}
