package analysis

import (
	"sync"

	"github.com/fwlab/fact/common/models"
)

// job tracks the plugin runs of one object
type job struct {
	obj *models.FileObject

	mu      sync.Mutex
	order   []string
	waiting map[string]bool
	running int
	results map[string]*models.AnalysisResult
	// plugins satisfied by a stored result instead of a run
	reused map[string]bool
	// plugins that already had a stored result when scheduled
	previous map[string]bool
	done     bool
}

type blockedRun struct {
	plugin     string
	dependency string
}

func newJob(obj *models.FileObject) *job {
	return &job{
		obj:      obj,
		waiting:  make(map[string]bool),
		results:  make(map[string]*models.AnalysisResult),
		reused:   make(map[string]bool),
		previous: make(map[string]bool),
	}
}

// take settles name with a stored result. Caller holds j.mu.
func (j *job) take(name string, result *models.AnalysisResult) {
	j.results[name] = result
	j.obj.ProcessedAnalysis[name] = result
	j.reused[name] = true
}

// queue marks name to run. Caller holds j.mu.
func (j *job) queue(name string, stored bool) {
	delete(j.results, name)
	delete(j.reused, name)
	j.waiting[name] = true
	j.previous[name] = stored
}

func (j *job) planned(name string) bool {
	for _, n := range j.order {
		if n == name {
			return true
		}
	}
	return false
}

// next removes from waiting the plugins whose dependencies all have a
// result: ready ones to run, blocked ones whose dependency failed.
// Caller holds j.mu.
func (j *job) next(deps func(string) []string) ([]string, []blockedRun) {
	var ready []string
	var blocked []blockedRun

	for _, name := range j.order {
		if !j.waiting[name] {
			continue
		}

		resolved := true
		failedDep := ""
		for _, dep := range deps(name) {
			r, ok := j.results[dep]
			if !ok {
				resolved = false
				break
			}
			if r.IsFailed() && failedDep == "" {
				failedDep = dep
			}
		}
		if !resolved {
			continue
		}

		delete(j.waiting, name)
		if failedDep != "" {
			blocked = append(blocked, blockedRun{plugin: name, dependency: failedDep})
			continue
		}
		j.running++
		ready = append(ready, name)
	}
	return ready, blocked
}

// failed returns the plugins whose result is not completed. Caller holds j.mu.
func (j *job) failed() []string {
	var failed []string
	for _, name := range j.order {
		if r, ok := j.results[name]; ok && r.IsFailed() {
			failed = append(failed, name)
		}
	}
	return failed
}
