package scheduler

import (
	"path/filepath"
	"strconv"

	"github.com/3cpo-dev/chipflow/internal/jobdir"
)

// NextJobName derives the job name after jobname by bumping its trailing
// number, or appending 1 when it has none, skipping names whose directory
// already exists under designDir. It only reads the filesystem, so repeated
// calls without a run in between agree.
func NextJobName(designDir, jobname string) string {
	stem, num := splitTrailingInt(jobname)
	next := num + 1
	for {
		name := stem + strconv.Itoa(next)
		if !jobdir.Exists(filepath.Join(designDir, name)) {
			return name
		}
		next++
	}
}

// splitTrailingInt splits "job12" into ("job", 12); without digits it
// returns (name, 0).
func splitTrailingInt(name string) (string, int) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return name, 0
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return name, 0
	}
	return name[:i], n
}
