// Package micro implements lightweight microservices on top of a
// publish/subscribe transport. Services expose request handlers on
// subjects, balance load through queue groups, and answer standard
// discovery verbs (PING, INFO, STATS) so fleets can be inspected
// without any central registry.
package micro

import "time"

// Wire type identifiers carried in every discovery response. Clients
// use these to validate that a reply matches the verb they sent.
const (
	PingResponseType  = "io.nats.micro.v1.ping_response"
	InfoResponseType  = "io.nats.micro.v1.info_response"
	StatsResponseType = "io.nats.micro.v1.stats_response"
)

// Headers set on the reply when a handler returns an error.
const (
	ErrorCodeHeader = "Nats-Service-Error-Code"
	ErrorHeader     = "Nats-Service-Error"
)

// PingInfo is the reply payload for the PING discovery verb.
type PingInfo struct {
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	ID       string            `json:"id"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata"`
}

// EndpointInfo describes a single registered endpoint within an
// INFO reply.
type EndpointInfo struct {
	Name       string            `json:"name"`
	Subject    string            `json:"subject"`
	QueueGroup string            `json:"queue_group"`
	Metadata   map[string]string `json:"metadata"`
}

// ServiceInfo is the reply payload for the INFO discovery verb.
type ServiceInfo struct {
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	Endpoints   []EndpointInfo    `json:"endpoints"`
}

// EndpointStats carries the per-endpoint counters within a STATS
// reply. ProcessingTime and AverageProcessingTime are nanoseconds.
type EndpointStats struct {
	Name                  string         `json:"name"`
	Subject               string         `json:"subject"`
	QueueGroup            string         `json:"queue_group"`
	NumRequests           int            `json:"num_requests"`
	NumErrors             int            `json:"num_errors"`
	LastError             string         `json:"last_error"`
	ProcessingTime        time.Duration  `json:"processing_time"`
	AverageProcessingTime time.Duration  `json:"average_processing_time"`
	Data                  map[string]any `json:"data,omitempty"`
}

// ServiceStats is the reply payload for the STATS discovery verb.
type ServiceStats struct {
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	ID        string            `json:"id"`
	Version   string            `json:"version"`
	Metadata  map[string]string `json:"metadata"`
	Started   time.Time         `json:"started"`
	Endpoints []EndpointStats   `json:"endpoints"`
}
