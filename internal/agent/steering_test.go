package agent

import (
	"testing"

	"github.com/haasonsaas/strand/pkg/models"
)

func TestTakeSteeringModes(t *testing.T) {
	tests := []struct {
		name         string
		mode         QueueMode
		queued       []string
		wantTaken    []string
		wantFollowUp []string
	}{
		{
			name:      "all releases everything",
			mode:      QueueAll,
			queued:    []string{"first", "second", "third"},
			wantTaken: []string{"first", "second", "third"},
		},
		{
			name:         "one-at-a-time moves the rest to follow-up",
			mode:         QueueOneAtATime,
			queued:       []string{"first", "second", "third"},
			wantTaken:    []string{"first"},
			wantFollowUp: []string{"second", "third"},
		},
		{
			name:      "empty queue yields nil",
			mode:      QueueOneAtATime,
			wantTaken: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueues(QueueConfig{Steering: tt.mode, FollowUp: QueueAll, Interrupt: InterruptImmediate})
			for _, text := range tt.queued {
				q.SteerText(text)
			}

			taken := q.TakeSteering()
			if len(taken) != len(tt.wantTaken) {
				t.Fatalf("TakeSteering() returned %d messages, want %d", len(taken), len(tt.wantTaken))
			}
			for i, want := range tt.wantTaken {
				if got := taken[i].Content.Text(); got != want {
					t.Errorf("taken[%d] = %q, want %q", i, got, want)
				}
			}
			if q.HasSteering() {
				t.Error("steering queue not empty after drain")
			}

			followUp := q.TakeFollowUp()
			if len(followUp) != len(tt.wantFollowUp) {
				t.Fatalf("follow-up queue has %d messages, want %d", len(followUp), len(tt.wantFollowUp))
			}
			for i, want := range tt.wantFollowUp {
				if got := followUp[i].Content.Text(); got != want {
					t.Errorf("followUp[%d] = %q, want %q", i, got, want)
				}
			}
		})
	}
}

func TestTakeFollowUpModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      QueueMode
		queued    []string
		wantFirst []string
		wantLeft  int
	}{
		{
			name:      "all drains the queue",
			mode:      QueueAll,
			queued:    []string{"a", "b"},
			wantFirst: []string{"a", "b"},
			wantLeft:  0,
		},
		{
			name:      "one-at-a-time keeps the rest queued",
			mode:      QueueOneAtATime,
			queued:    []string{"a", "b", "c"},
			wantFirst: []string{"a"},
			wantLeft:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueues(QueueConfig{Steering: QueueAll, FollowUp: tt.mode, Interrupt: InterruptWait})
			for _, text := range tt.queued {
				q.FollowUpText(text)
			}

			got := q.TakeFollowUp()
			if len(got) != len(tt.wantFirst) {
				t.Fatalf("TakeFollowUp() returned %d messages, want %d", len(got), len(tt.wantFirst))
			}
			for i, want := range tt.wantFirst {
				if text := got[i].Content.Text(); text != want {
					t.Errorf("got[%d] = %q, want %q", i, text, want)
				}
			}

			left := 0
			for q.HasFollowUp() {
				left += len(q.TakeFollowUp())
			}
			if left != tt.wantLeft {
				t.Errorf("remaining follow-ups = %d, want %d", left, tt.wantLeft)
			}
		})
	}
}

func TestTakeContextConsumedOnce(t *testing.T) {
	q := NewQueues(DefaultQueueConfig())
	q.AddContext(models.UserMessage{Content: models.TextBlocks("file contents")})
	q.AddContext(models.UserMessage{Content: models.TextBlocks("more context")})

	first := q.TakeContext()
	if len(first) != 2 {
		t.Fatalf("TakeContext() returned %d messages, want 2", len(first))
	}
	if second := q.TakeContext(); len(second) != 0 {
		t.Errorf("second TakeContext() returned %d messages, want 0", len(second))
	}
}

func TestPendingText(t *testing.T) {
	q := NewQueues(DefaultQueueConfig())
	q.SteerText("steer one")
	q.FollowUpText("follow two")
	q.FollowUp(models.UserMessage{Content: models.TextBlocks("   ")})

	got := q.PendingText()
	want := []string{"steer one", "follow two"}
	if len(got) != len(want) {
		t.Fatalf("PendingText() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PendingText()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueueConfigSanitized(t *testing.T) {
	q := NewQueues(QueueConfig{Steering: "bogus", FollowUp: "", Interrupt: "never"})
	cfg := q.Config()
	if cfg.Steering != QueueOneAtATime {
		t.Errorf("Steering = %q, want one-at-a-time default", cfg.Steering)
	}
	if cfg.FollowUp != QueueOneAtATime {
		t.Errorf("FollowUp = %q, want one-at-a-time default", cfg.FollowUp)
	}
	if cfg.Interrupt != InterruptImmediate {
		t.Errorf("Interrupt = %q, want immediate default", cfg.Interrupt)
	}
}

func TestQueuesClear(t *testing.T) {
	q := NewQueues(DefaultQueueConfig())
	q.SteerText("a")
	q.FollowUpText("b")
	q.AddContext(models.UserMessage{Content: models.TextBlocks("c")})

	q.Clear()
	if q.HasSteering() || q.HasFollowUp() || len(q.TakeContext()) != 0 {
		t.Error("Clear() left queued messages behind")
	}
}
