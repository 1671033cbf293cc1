package ratelimit

import "time"

// Rule is a request budget per client and window
type Rule struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Submissions bounds firmware uploads and re-analysis requests
var Submissions = Rule{Name: "submissions", Limit: 20, Window: time.Minute}

// Searches bounds binary search requests
var Searches = Rule{Name: "searches", Limit: 10, Window: time.Minute}
