// Package discover is the on-disk job-file discovery walk: only *.job files
// are kept, and each one's output path is its input path with the extension
// replaced.
package discover

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Job is one discovered job file plus its derived output path.
type Job struct {
	InPath  string
	OutPath string
	// Basename is the file name without its .job extension, used to name
	// backup files <basename>-<N>.bck.
	Basename string
}

// MaxPath bounds constructed paths.
const MaxPath = 4096

// Walk returns every *.job file directly inside dir, sorted by name for
// deterministic test output, skipping entries whose derived path would
// exceed MaxPath.
func Walk(dir string) ([]Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".job" {
			continue
		}
		in := filepath.Join(dir, name)
		if len(in) > MaxPath {
			continue
		}
		base := strings.TrimSuffix(name, ".job")
		out := filepath.Join(dir, base+".out")
		jobs = append(jobs, Job{InPath: in, OutPath: out, Basename: base})
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].InPath < jobs[j].InPath })
	return jobs, nil
}
