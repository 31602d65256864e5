package dispatch

import (
	"sync"
	"time"

	"github.com/mattjoyce/actiond/internal/log"
	"github.com/mattjoyce/actiond/internal/metrics"
)

// deliveryState tracks acks and replies that could not be delivered, plus
// messages already completed but not yet acked, so a broker redelivery is
// acked without re-running the handler.
type deliveryState struct {
	mu sync.Mutex

	// retryAck holds message ids whose ack failed, with attempt counts.
	retryAck map[string]int

	// retrySend holds reply frames whose send failed.
	retrySend []pendingSend

	// completed remembers correlation ids whose handling finished, so a
	// redelivered copy is acked straight away instead of handled twice.
	completed map[string]time.Time
}

type pendingSend struct {
	destination string
	body        []byte
	headers     map[string]string
	attempts    int

	// queue and status label the reply counter once the send lands.
	queue  string
	status string
}

func newDeliveryState() *deliveryState {
	return &deliveryState{
		retryAck:  make(map[string]int),
		completed: make(map[string]time.Time),
	}
}

func (s *deliveryState) ackFailed(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAck[messageID] = 0
}

func (s *deliveryState) sendFailed(destination string, body []byte, headers map[string]string, queue, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrySend = append(s.retrySend, pendingSend{
		destination: destination, body: body, headers: headers,
		queue: queue, status: status,
	})
}

func (s *deliveryState) markCompleted(correlationID string) {
	if correlationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[correlationID] = time.Now()
}

// alreadyCompleted reports whether a correlation id finished handling
// before, consuming the record.
func (s *deliveryState) alreadyCompleted(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.completed[correlationID]; ok {
		delete(s.completed, correlationID)
		return true
	}
	return false
}

// dropStaleAcks clears ack retries that cannot succeed anymore, after a
// reconnect invalidated their delivery tags.
func (s *deliveryState) dropStaleAcks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.retryAck {
		log.Debug("dropping unackable message from a previous connection", "message_id", id)
		delete(s.retryAck, id)
	}
}

// retry re-attempts failed acks and sends, dropping entries that exceed
// maxAttempts. Completed-marker records older than an hour are pruned.
func (s *deliveryState) retry(ack func(string) error, send func(string, []byte, map[string]string) error, maxAttempts int) {
	s.mu.Lock()
	acks := make(map[string]int, len(s.retryAck))
	for id, n := range s.retryAck {
		acks[id] = n
	}
	sends := s.retrySend
	s.retrySend = nil
	cutoff := time.Now().Add(-time.Hour)
	for corr, when := range s.completed {
		if when.Before(cutoff) {
			delete(s.completed, corr)
		}
	}
	s.mu.Unlock()

	for id, attempts := range acks {
		metrics.DeliveryRetries.Inc()
		err := ack(id)
		s.mu.Lock()
		if err == nil {
			delete(s.retryAck, id)
		} else if attempts+1 >= maxAttempts {
			log.Error("giving up on ack after repeated failures", "message_id", id, "error", err)
			delete(s.retryAck, id)
		} else {
			s.retryAck[id] = attempts + 1
		}
		s.mu.Unlock()
	}

	for _, p := range sends {
		metrics.DeliveryRetries.Inc()
		if err := send(p.destination, p.body, p.headers); err == nil {
			metrics.RepliesSent.WithLabelValues(p.queue, p.status).Inc()
			continue
		} else if p.attempts+1 >= maxAttempts {
			log.Error("giving up on reply after repeated failures",
				"destination", p.destination, "error", err)
		} else {
			p.attempts++
			s.mu.Lock()
			s.retrySend = append(s.retrySend, p)
			s.mu.Unlock()
		}
	}
}
