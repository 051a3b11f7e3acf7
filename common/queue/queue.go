// Package queue hands run attempts to the execution side and back.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sumit189/cronhook/common/models"
)

// Dispatcher publishes one attempt. A nil error means the broker acknowledged it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.Task) error
}

type Delivery struct {
	Task models.Task
	Ack  func(ctx context.Context) error
}

// Source yields tasks to the consumer. Receive blocks until a task or ctx is done.
type Source interface {
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

type DispatchError struct {
	RunID string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch run %s: %v", e.RunID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func encodeTask(task models.Task) ([]byte, error) {
	return json.Marshal(task)
}

func decodeTask(b []byte) (models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(b, &task); err != nil {
		return task, err
	}
	if task.RunID == "" {
		return task, fmt.Errorf("task without run_id")
	}
	return task, nil
}

func noAck(context.Context) error { return nil }
