package messaging

import (
	"context"
	"time"

	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
)

const (
	GenerateTasksQueue = "generate_tasks_queue"

	// Rejected messages (malformed or failing validation) are routed here
	// instead of being discarded, so bad submissions stay inspectable.
	DeadLetterExchange     = "generate_tasks_dlx"
	GenerateTasksDeadQueue = "generate_tasks_dead_letter_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishGenerateTask(ctx context.Context, task models.TaskMessage) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
