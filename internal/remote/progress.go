package remote

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chipflow/pkg/api"
)

// nodesToLog caps how many nodes of one status are named in a progress line.
const nodesToLog = 3

// Progress is one answer to a progress check.
type Progress struct {
	Busy      bool
	Canceled  bool
	Completed []string
	// Job is nil when the server answered in the legacy text format.
	Job  *api.JobProgress
	Text string
}

func parseProgress(body []byte) Progress {
	text := string(body)
	p := Progress{Busy: !strings.Contains(text, api.NoRunningSteps), Text: text}
	var job api.JobProgress
	if err := json.Unmarshal(body, &job); err != nil {
		return p
	}
	p.Job = &job
	switch job.Status {
	case api.JobCompleted:
		p.Busy = false
	case api.JobCanceled:
		p.Busy = false
		p.Canceled = true
	}
	for name, n := range job.Nodes {
		if n.Status == api.NodeCompleted {
			p.Completed = append(p.Completed, name)
		}
	}
	sort.Strings(p.Completed)
	return p
}

func logProgress(p Progress) {
	if p.Job == nil {
		logLegacyProgress(p.Text)
		return
	}
	ev := log.Info()
	if p.Job.ElapsedTime != "" {
		ev = ev.Str("runtime", p.Job.ElapsedTime)
	}
	ev.Msg("job is still running")

	byStatus := map[api.NodeState][]string{}
	for name, n := range p.Job.Nodes {
		byStatus[n.Status] = append(byStatus[n.Status], name)
	}
	for _, names := range byStatus {
		sort.Strings(names)
	}
	for _, st := range []api.NodeState{api.NodeCompleted, api.NodeFailed, api.NodeTimeout} {
		logTruncated(st, byStatus[st])
	}
	for _, name := range byStatus[api.NodeRunning] {
		ev := log.Info().Str("node", name)
		if e := p.Job.Nodes[name].ElapsedTime; e != "" {
			ev = ev.Str("elapsed", e)
		}
		ev.Msg("running")
	}
	for _, st := range []api.NodeState{api.NodeQueued, api.NodePending} {
		logTruncated(st, byStatus[st])
	}
}

func logTruncated(st api.NodeState, names []string) {
	if len(names) == 0 {
		return
	}
	shown := names
	if len(shown) > nodesToLog {
		shown = append(append([]string(nil), names[:nodesToLog]...), "...")
	}
	log.Info().Int("count", len(names)).Str("nodes", strings.Join(shown, ", ")).Msg(string(st))
}

// Older servers answer with "<label>: <node>" followed by the tail of the
// running node's log.
func logLegacyProgress(text string) {
	if !strings.Contains(text, ":") {
		log.Info().Str("node", "unknown").Msg("job is still running")
		return
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	node := lines[0]
	if i := strings.Index(node, ": "); i >= 0 {
		node = node[i+2:]
	}
	log.Info().Str("node", node).Msg("job is still running")
	for _, line := range lines[1:] {
		log.Info().Str("node", node).Msg(line)
	}
}
