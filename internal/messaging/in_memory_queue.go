package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
)

type inMemoryTask struct {
	queue   string
	payload []byte
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue is a Publisher and Receiver backed by a channel, used for
// single-process runs and tests where no broker is available. Closing the
// queue ends the consumer loop once the remaining tasks are drained.
type InMemoryQueue struct {
	tasks      chan Task
	destructor sync.Once
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make(chan Task, 100),
	}
}

func (q *InMemoryQueue) PublishGenerateTask(ctx context.Context, task models.TaskMessage) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	q.tasks <- &inMemoryTask{queue: GenerateTasksQueue, payload: data}

	return nil
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	q.destructor.Do(func() {
		close(q.tasks)
	})
}
