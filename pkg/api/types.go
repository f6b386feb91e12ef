package api

import (
	"encoding/json"
	"fmt"
)

// v0 wire types shared by the chipflow client and server.

// Server readiness values of ServerStatus.Status.
const (
	ServerReady = "ready"
	ServerBusy  = "busy"
)

// Job status values of JobProgress.Status.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobCanceled  = "canceled"
)

// Node status values reported in progress payloads.
type NodeState string

const (
	NodeCompleted NodeState = "completed"
	NodeFailed    NodeState = "failed"
	NodeTimeout   NodeState = "timeout"
	NodeRunning   NodeState = "running"
	NodeQueued    NodeState = "queued"
	NodePending   NodeState = "pending"
)

// NoRunningSteps is the legacy text marker of a finished job.
const NoRunningSteps = "Job has no running steps."

// Params authenticates a request and names the job it refers to.
type Params struct {
	Username string `json:"username,omitempty"`
	Key      string `json:"key,omitempty"`
	JobHash  string `json:"job_hash,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

type PreUpload struct {
	Message string  `json:"message"`
	Delay   float64 `json:"delay"`
}

type UserInfo struct {
	ComputeTime float64 `json:"compute_time"`
	BandwidthKB float64 `json:"bandwidth_kb"`
}

// ServerStatus is the body of /check_server/.
type ServerStatus struct {
	Status           string            `json:"status"`
	Versions         map[string]string `json:"versions"`
	Terms            string            `json:"terms,omitempty"`
	PreUpload        *PreUpload        `json:"pre_upload,omitempty"`
	ProgressInterval float64           `json:"progress_interval"`
	UserInfo         *UserInfo         `json:"user_info,omitempty"`
}

// RunRequest is the params part of the /remote_run/ multipart upload.
// Config holds the job manifest.
type RunRequest struct {
	Config json.RawMessage `json:"chip_cfg"`
	Params Params          `json:"params"`
}

// RunResponse is the body of /remote_run/.
type RunResponse struct {
	JobHash string `json:"job_hash"`
	Message string `json:"message,omitempty"`
}

// NodeProgress is one node entry of a progress payload.
type NodeProgress struct {
	Status      NodeState `json:"status"`
	ElapsedTime string    `json:"elapsed_time,omitempty"`
}

// JobProgress is the structured body of /check_progress/. On the wire the
// node entries sit next to status and elapsed_time in one flat object.
type JobProgress struct {
	Status      string
	ElapsedTime string
	Nodes       map[string]NodeProgress
}

func (p JobProgress) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Nodes)+2)
	for name, n := range p.Nodes {
		m[name] = n
	}
	if p.Status != "" {
		m["status"] = p.Status
	}
	if p.ElapsedTime != "" {
		m["elapsed_time"] = p.ElapsedTime
	}
	return json.Marshal(m)
}

func (p *JobProgress) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = JobProgress{Nodes: map[string]NodeProgress{}}
	for k, v := range raw {
		var err error
		switch k {
		case "status":
			err = json.Unmarshal(v, &p.Status)
		case "elapsed_time":
			err = json.Unmarshal(v, &p.ElapsedTime)
		default:
			var n NodeProgress
			err = json.Unmarshal(v, &n)
			p.Nodes[k] = n
		}
		if err != nil {
			return fmt.Errorf("progress field %q: %w", k, err)
		}
	}
	return nil
}

// ErrorResponse is returned with non-2xx codes.
type ErrorResponse struct {
	Message string `json:"message"`
}
