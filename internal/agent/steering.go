package agent

import (
	"strings"
	"sync"

	"github.com/haasonsaas/strand/pkg/models"
)

// QueueMode controls how queued messages are released to the turn loop.
type QueueMode string

const (
	// QueueAll releases every queued message at the next delivery point.
	QueueAll QueueMode = "all"

	// QueueOneAtATime releases a single message per delivery point.
	QueueOneAtATime QueueMode = "one-at-a-time"
)

// InterruptMode controls when steering preempts the running turn.
type InterruptMode string

const (
	// InterruptImmediate stops the active stream at the next chunk
	// boundary once steering is queued. The partial assistant message
	// is kept with an aborted stop reason.
	InterruptImmediate InterruptMode = "immediate"

	// InterruptWait lets the current tool call finish before steering
	// is delivered. Tool calls that have not started yet are skipped.
	InterruptWait InterruptMode = "wait"
)

// QueueConfig selects the release policy for each queue.
type QueueConfig struct {
	// Steering applies to messages injected while a turn is streaming.
	Steering QueueMode

	// FollowUp applies to messages that run after the turn ends.
	FollowUp QueueMode

	// Interrupt selects when steering preempts the stream.
	Interrupt InterruptMode
}

// DefaultQueueConfig returns the default queue policies.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Steering:  QueueOneAtATime,
		FollowUp:  QueueOneAtATime,
		Interrupt: InterruptImmediate,
	}
}

func sanitizeQueueConfig(cfg QueueConfig) QueueConfig {
	if cfg.Steering != QueueAll && cfg.Steering != QueueOneAtATime {
		cfg.Steering = QueueOneAtATime
	}
	if cfg.FollowUp != QueueAll && cfg.FollowUp != QueueOneAtATime {
		cfg.FollowUp = QueueOneAtATime
	}
	if cfg.Interrupt != InterruptImmediate && cfg.Interrupt != InterruptWait {
		cfg.Interrupt = InterruptImmediate
	}
	return cfg
}

// Queues holds the three message queues the turn loop drains: steering
// messages that interrupt a running turn, follow-ups that run after the
// turn ends, and next-turn context attached to the next user prompt.
//
// All methods are safe for concurrent use. The turn loop is the only
// consumer; producers are the controller's Steer/FollowUp surface and
// file-mention expansion.
type Queues struct {
	mu          sync.Mutex
	cfg         QueueConfig
	steering    []models.UserMessage
	followUp    []models.UserMessage
	nextContext []models.UserMessage
}

// NewQueues creates the queue set with the given policies.
func NewQueues(cfg QueueConfig) *Queues {
	return &Queues{cfg: sanitizeQueueConfig(cfg)}
}

// Config returns the active queue policies.
func (q *Queues) Config() QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// SetConfig replaces the queue policies. Queued messages are kept.
func (q *Queues) SetConfig(cfg QueueConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = sanitizeQueueConfig(cfg)
}

// Steer queues a message for delivery into the running turn.
func (q *Queues) Steer(msg models.UserMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, msg)
}

// SteerText queues a plain-text steering message.
func (q *Queues) SteerText(text string) {
	q.Steer(models.UserMessage{Content: models.TextBlocks(text)})
}

// FollowUp queues a message for delivery after the current turn ends.
func (q *Queues) FollowUp(msg models.UserMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = append(q.followUp, msg)
}

// FollowUpText queues a plain-text follow-up message.
func (q *Queues) FollowUpText(text string) {
	q.FollowUp(models.UserMessage{Content: models.TextBlocks(text)})
}

// AddContext queues an auxiliary message attached to the next user
// prompt, such as a file-mention expansion. Context messages are
// consumed once and cleared.
func (q *Queues) AddContext(msg models.UserMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextContext = append(q.nextContext, msg)
}

// HasSteering reports whether steering messages are waiting.
func (q *Queues) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// HasFollowUp reports whether follow-up messages are waiting.
func (q *Queues) HasFollowUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUp) > 0
}

// TakeSteering drains the steering queue per the steering policy.
// Under QueueAll every queued message is returned. Under
// QueueOneAtATime the first message is returned and the remainder
// moves to the follow-up queue, so later messages run as their own
// turns instead of stacking into this one.
func (q *Queues) TakeSteering() []models.UserMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steering) == 0 {
		return nil
	}
	if q.cfg.Steering == QueueAll {
		out := q.steering
		q.steering = nil
		return out
	}
	out := q.steering[:1:1]
	if rest := q.steering[1:]; len(rest) > 0 {
		q.followUp = append(q.followUp, rest...)
	}
	q.steering = nil
	return out
}

// TakeFollowUp drains the follow-up queue per the follow-up policy.
// Under QueueOneAtATime one message is returned per call and the rest
// stay queued for the next turn boundary.
func (q *Queues) TakeFollowUp() []models.UserMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.followUp) == 0 {
		return nil
	}
	if q.cfg.FollowUp == QueueAll {
		out := q.followUp
		q.followUp = nil
		return out
	}
	out := q.followUp[:1:1]
	q.followUp = q.followUp[1:]
	return out
}

// TakeContext drains the next-turn context queue in full.
func (q *Queues) TakeContext() []models.UserMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.nextContext
	q.nextContext = nil
	return out
}

// PendingText returns the text of every queued steering and follow-up
// message, oldest first. Tools surface this so a long-running command
// can see what the user typed while it ran.
func (q *Queues) PendingText() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.steering)+len(q.followUp))
	for _, m := range q.steering {
		if t := strings.TrimSpace(m.Content.Text()); t != "" {
			out = append(out, t)
		}
	}
	for _, m := range q.followUp {
		if t := strings.TrimSpace(m.Content.Text()); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Clear empties all three queues.
func (q *Queues) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
	q.nextContext = nil
}
