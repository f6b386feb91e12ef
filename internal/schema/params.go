package schema

import "strings"

func param(pattern string, t ValueType, def any, help string) Param {
	return Param{Pattern: strings.Split(pattern, ","), Type: t, Default: def, Help: help}
}

// DefaultParams declares every parameter the orchestrator reads or writes.
func DefaultParams() []Param {
	return []Param{
		param("design", TypeStr, "", "Design name, used for manifest file names"),

		param("option,jobname", TypeStr, "job0", "Job name"),
		param("option,builddir", TypeStr, "build", "Build directory root"),
		param("option,flow", TypeStr, "", "Flow to execute"),
		param("option,from", TypeStrList, nil, "Steps to start from"),
		param("option,to", TypeStrList, nil, "Steps to stop at"),
		param("option,skip", TypeStrList, nil, "Steps or nodes to skip"),
		param("option,clean", TypeBool, false, "Start from a clean job directory"),
		param("option,jobincr", TypeBool, false, "Advance the job name when the job directory exists"),
		param("option,resume", TypeBool, false, "Reuse completed nodes of the current job"),
		param("option,remote", TypeBool, false, "Run the flow on a remote server"),
		param("option,credentials", TypeFileList, nil, "Remote credentials file"),
		param("option,continue", TypeBool, false, "Keep scheduling after a node fails"),
		param("option,maxworkers", TypeInt, 0, "Concurrent node budget, 0 for one per CPU"),
		param("option,quiet", TypeBool, false, "Suppress tool output on the console"),

		param("flowgraph,<flow>,<step>,<index>,tool", TypeStr, "", "Tool bound to the node"),
		param("flowgraph,<flow>,<step>,<index>,task", TypeStr, "", "Task bound to the node"),
		param("flowgraph,<flow>,<step>,<index>,input", TypePairList, nil, "Predecessor nodes as (step, index)"),

		param("tool,<tool>,exe", TypeStr, "", "Tool executable"),
		param("tool,<tool>,task,<task>,option", TypeStrList, nil, "Command line options"),
		param("tool,<tool>,task,<task>,env", TypePairList, nil, "Environment variables as (name, value)"),
		param("tool,<tool>,task,<task>,timeout", TypeFloat, 0.0, "Execution timeout in seconds, 0 for none"),

		param("input,<fileset>", TypeFileList, nil, "Input files"),

		param("record,remoteid", TypeStr, "", "Remote job hash"),
		param("record,<step>,<index>,status", TypeStr, "", "Node status"),
		param("record,<step>,<index>,jobid", TypeInt, 0, "Successful executions of the node"),
		param("record,<step>,<index>,starttime", TypeStr, "", "Start time, RFC 3339"),
		param("record,<step>,<index>,endtime", TypeStr, "", "End time, RFC 3339"),
		param("record,<step>,<index>,exitcode", TypeInt, 0, "Tool exit code"),

		param("metric,<step>,<index>,<metric>", TypeFloat, 0.0, "Node metric"),
	}
}
