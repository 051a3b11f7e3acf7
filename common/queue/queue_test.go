package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTask(runID string, notBefore time.Time) models.Task {
	return models.Task{
		RunID:      runID,
		ScheduleID: "sch_1",
		TenantID:   "acme",
		Attempt:    1,
		RunAt:      notBefore,
		NotBefore:  notBefore,
		Target:     models.Target{URL: "https://example.test/hook", Method: "POST"},
	}
}

type flakyWriter struct {
	failures int
	calls    int
	written  []kafka.Message
}

func (w *flakyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func TestKafkaDispatchRetries(t *testing.T) {
	w := &flakyWriter{failures: 2}
	d := &KafkaDispatcher{writer: w, log: zerolog.Nop(), backoff: time.Millisecond}

	require.NoError(t, d.Dispatch(context.Background(), sampleTask("run_1", time.Now())))
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.written, 1)
	assert.Equal(t, "sch_1", string(w.written[0].Key))

	task, err := decodeTask(w.written[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "run_1", task.RunID)
}

func TestKafkaDispatchGivesUp(t *testing.T) {
	w := &flakyWriter{failures: 10}
	d := &KafkaDispatcher{writer: w, log: zerolog.Nop(), backoff: time.Millisecond}

	err := d.Dispatch(context.Background(), sampleTask("run_1", time.Now()))
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "run_1", de.RunID)
	assert.Equal(t, kafkaProducerRetries, w.calls)
}

type stubReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *stubReader) Close() error { return nil }

func TestKafkaSourceSkipsMalformed(t *testing.T) {
	good, err := encodeTask(sampleTask("run_1", time.Now()))
	require.NoError(t, err)
	r := &stubReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("{not json")},
		{Offset: 2, Value: good},
	}}
	src := &KafkaSource{reader: r, log: zerolog.Nop()}

	d, err := src.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run_1", d.Task.RunID)
	assert.Equal(t, []int64{1}, r.committed)

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestRedisQueueHoldsUntilDue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := NewRedisQueue(client, "", zerolog.Nop())
	q.now = func() time.Time { return now }
	q.poll = time.Millisecond

	ctx := context.Background()
	require.NoError(t, q.Dispatch(ctx, sampleTask("later", now.Add(time.Minute))))
	require.NoError(t, q.Dispatch(ctx, sampleTask("due", now.Add(-time.Second))))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "due", d.Task.RunID)
	require.NoError(t, d.Ack(ctx))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	now = now.Add(2 * time.Minute)
	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", d.Task.RunID)

	assert.False(t, mr.Exists(defaultDelayedKey))
}
