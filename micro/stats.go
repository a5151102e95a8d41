package micro

import (
	"sync"
	"time"
)

// statsTracker accumulates request counters for a single endpoint.
// Every mutation happens under the lock so concurrent dispatches
// never lose an update.
type statsTracker struct {
	mu             sync.Mutex
	numRequests    int
	numErrors      int
	lastError      string
	processingTime time.Duration
	data           map[string]any
}

// recordSuccess accounts for one completed request.
func (s *statsTracker) recordSuccess(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numRequests++
	s.processingTime += elapsed
}

// recordError accounts for one failed request and remembers the
// error text for the STATS reply.
func (s *statsTracker) recordError(elapsed time.Duration, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numRequests++
	s.numErrors++
	s.lastError = description
	s.processingTime += elapsed
}

// setData attaches custom stats data surfaced under the endpoint's
// "data" field.
func (s *statsTracker) setData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// snapshot produces a consistent point-in-time view of the counters.
func (s *statsTracker) snapshot(name, subject, queueGroup string) EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.numRequests > 0 {
		avg = s.processingTime / time.Duration(s.numRequests)
	}
	var data map[string]any
	if s.data != nil {
		data = make(map[string]any, len(s.data))
		for k, v := range s.data {
			data[k] = v
		}
	}
	return EndpointStats{
		Name:                  name,
		Subject:               subject,
		QueueGroup:            queueGroup,
		NumRequests:           s.numRequests,
		NumErrors:             s.numErrors,
		LastError:             s.lastError,
		ProcessingTime:        s.processingTime,
		AverageProcessingTime: avg,
		Data:                  data,
	}
}

// reset clears all counters. Used when a service restarts its
// accounting window.
func (s *statsTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numRequests = 0
	s.numErrors = 0
	s.lastError = ""
	s.processingTime = 0
}
