package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/FranksOps/ruleharvest/internal/pipeline"
	"github.com/FranksOps/ruleharvest/internal/storage"
)

// RunSummary is the printable outcome of one pipeline run.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	State          string        `json:"state"`
	Skipped        bool          `json:"skipped"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration_ns"`
	Found          int           `json:"found"`
	Accepted       int           `json:"accepted"`
	Duplicates     int           `json:"duplicates"`
	SelfExcluded   int           `json:"self_excluded"`
	Invalid        int           `json:"invalid"`
	DownloadFailed int           `json:"download_failed"`
	Rejected       int           `json:"rejected"`
	WriteFailed    int           `json:"write_failed"`
	TotalBytes     int64         `json:"total_bytes"`
	AcceptedKeys   []string      `json:"accepted_keys"`
}

// FromResult converts a pipeline result.
func FromResult(res *pipeline.Result) RunSummary {
	if res == nil {
		return RunSummary{}
	}
	keys := res.AcceptedKeys
	if keys == nil {
		keys = []string{}
	}
	return RunSummary{
		RunID:          res.RunID,
		State:          string(res.State),
		Skipped:        res.Skipped,
		StartTime:      res.StartedAt,
		EndTime:        res.FinishedAt,
		Duration:       res.Duration(),
		Found:          res.Found,
		Accepted:       res.Accepted,
		Duplicates:     res.Duplicates,
		SelfExcluded:   res.SelfExcluded,
		Invalid:        res.Invalid,
		DownloadFailed: res.DownloadFailed,
		Rejected:       res.Rejected,
		WriteFailed:    res.WriteFailed,
		TotalBytes:     res.Bytes,
		AcceptedKeys:   keys,
	}
}

// OwnerCount is the number of recorded files per owner.
type OwnerCount struct {
	Owner string `json:"owner"`
	Files int    `json:"files"`
}

// StoreSummary describes the identity store contents.
type StoreSummary struct {
	Records      int          `json:"records"`
	Owners       int          `json:"owners"`
	Repositories int          `json:"repositories"`
	TotalBytes   int64        `json:"total_bytes"`
	FirstSeen    time.Time    `json:"first_seen"`
	LastSeen     time.Time    `json:"last_seen"`
	TopOwners    []OwnerCount `json:"top_owners"`
	ExportRows   int          `json:"export_rows"`
}

// TopOwnerLimit caps StoreSummary.TopOwners.
const TopOwnerLimit = 10

// SummarizeStore aggregates identity records. Owner and repository are taken
// from the "<owner>/<repo>/<path>" key.
func SummarizeStore(records []storage.IdentityRecord) StoreSummary {
	s := StoreSummary{TopOwners: []OwnerCount{}}
	if len(records) == 0 {
		return s
	}

	owners := make(map[string]int)
	repos := make(map[string]struct{})

	s.FirstSeen = records[0].FirstSeenAt
	s.LastSeen = records[0].FirstSeenAt

	for _, r := range records {
		s.Records++
		s.TotalBytes += r.SizeBytes

		parts := strings.SplitN(r.Key, "/", 3)
		owners[parts[0]]++
		if len(parts) >= 2 {
			repos[parts[0]+"/"+parts[1]] = struct{}{}
		}

		if r.FirstSeenAt.Before(s.FirstSeen) {
			s.FirstSeen = r.FirstSeenAt
		}
		if r.FirstSeenAt.After(s.LastSeen) {
			s.LastSeen = r.FirstSeenAt
		}
	}

	s.Owners = len(owners)
	s.Repositories = len(repos)

	for owner, n := range owners {
		s.TopOwners = append(s.TopOwners, OwnerCount{Owner: owner, Files: n})
	}
	sort.Slice(s.TopOwners, func(i, j int) bool {
		if s.TopOwners[i].Files != s.TopOwners[j].Files {
			return s.TopOwners[i].Files > s.TopOwners[j].Files
		}
		return s.TopOwners[i].Owner < s.TopOwners[j].Owner
	})
	if len(s.TopOwners) > TopOwnerLimit {
		s.TopOwners = s.TopOwners[:TopOwnerLimit]
	}
	return s
}

// WriteJSON writes v to the provided writer in indented JSON format.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

const runTmpl = `ruleharvest run {{.RunID}}
----------------------------------------------------
State:           {{.State}}{{if .Skipped}} (skipped, search api unreachable){{end}}
Time:            {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:        {{.Duration}}
Found:           {{.Found}}
Accepted:        {{.Accepted}} ({{.TotalBytes}} bytes)
Duplicates:      {{.Duplicates}}
Self-excluded:   {{.SelfExcluded}}
Invalid:         {{.Invalid}}
Download fails:  {{.DownloadFailed}}
Rejected:        {{.Rejected}}
Write fails:     {{.WriteFailed}}
{{- if .AcceptedKeys}}

New files:
{{- range .AcceptedKeys}}
  {{.}}
{{- end}}
{{- end}}
`

const storeTmpl = `ruleharvest identity store
--------------------------
Records:       {{.Records}}
Repositories:  {{.Repositories}}
Owners:        {{.Owners}}
Total Bytes:   {{.TotalBytes}} bytes
Export Rows:   {{.ExportRows}}
{{- if .Records}}
First Seen:    {{.FirstSeen.Format "2006-01-02 15:04:05"}}
Last Seen:     {{.LastSeen.Format "2006-01-02 15:04:05"}}
{{- end}}

Top Owners:
{{- range .TopOwners}}
  {{.Owner}}: {{.Files}}
{{- else}}
  None
{{- end}}
`

var (
	runTemplate   = template.Must(template.New("runReport").Parse(runTmpl))
	storeTemplate = template.Must(template.New("storeReport").Parse(storeTmpl))
)

// WriteRunText writes a human-readable run summary.
func WriteRunText(w io.Writer, summary RunSummary) error {
	if err := runTemplate.Execute(w, summary); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

// WriteStoreText writes a human-readable identity store summary.
func WriteStoreText(w io.Writer, summary StoreSummary) error {
	if err := storeTemplate.Execute(w, summary); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}
