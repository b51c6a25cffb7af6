// Package metrics defines and registers the server's Prometheus
// metrics and exposes them via the standard scrape handler. Components
// update their own counters/histograms inline; Collector only polls
// state (raft leadership/applied index) that nothing else already
// observes on every call.
package metrics
