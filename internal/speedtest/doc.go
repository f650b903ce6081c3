// Package speedtest measures latency, download throughput and upload
// throughput against an HTTP endpoint.
//
// An Engine runs the phases Ping, Download and Upload strictly in that order,
// one probe at a time, and reports each transition to a Reporter. Callers run
// a measurement with Engine.RunTest and observe it through the Reporter
// callbacks or by polling Engine.State.
package speedtest
