package analysis

// task is one (object, plugin) run handed to a plugin worker
type task struct {
	job    *job
	plugin string
	// the object already had a result for plugin, possibly outdated
	reanalysis bool
}
