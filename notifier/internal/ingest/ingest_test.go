package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"library-notifications/notifier/internal/dedup"
	"library-notifications/notifier/internal/fanout"
	"library-notifications/shared/events"
	"library-notifications/shared/logx"
	"library-notifications/shared/mqx"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.CanonicalEvent
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, ev events.CanonicalEvent) fanout.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return fanout.Result{}
}

func (b *recordingBroadcaster) snapshot() []events.CanonicalEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.CanonicalEvent(nil), b.events...)
}

const borrowedPayload = `{"event":"book.borrowed","borrow_id":7,"timestamp":"2025-01-01T00:00:00Z"}`

func newTestPipeline() (*Pipeline, *recordingBroadcaster) {
	b := &recordingBroadcaster{}
	return NewPipeline(dedup.NewCache(2*time.Minute), b, logx.Nop()), b
}

func TestPipelineCollapsesAcrossTransports(t *testing.T) {
	p, b := newTestPipeline()
	ctx := context.Background()

	if got := p.Handle(ctx, events.OriginBroker, []byte(borrowedPayload), "book.borrowed"); got != OutcomeBroadcast {
		t.Fatalf("expected broadcast, got %s", got)
	}
	if got := p.Handle(ctx, events.OriginLog, []byte(borrowedPayload), "book.borrowed"); got != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	got := b.snapshot()
	if len(got) != 1 || got[0].Origin != events.OriginBroker {
		t.Fatalf("expected a single broker-origin broadcast, got %+v", got)
	}
}

func TestPipelineSurvivesMalformed(t *testing.T) {
	p, b := newTestPipeline()
	ctx := context.Background()

	if got := p.Handle(ctx, events.OriginLog, []byte(`{not json`), ""); got != OutcomeMalformed {
		t.Fatalf("expected malformed, got %s", got)
	}
	if got := p.Handle(ctx, events.OriginLog, []byte(borrowedPayload), ""); got != OutcomeBroadcast {
		t.Fatalf("expected broadcast after malformed, got %s", got)
	}
	if len(b.snapshot()) != 1 {
		t.Fatalf("expected one broadcast")
	}
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acked []uint64
	other int
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	a.other++
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error {
	a.other++
	return nil
}

func TestBrokerAcksEveryOutcome(t *testing.T) {
	p, b := newTestPipeline()
	ack := &fakeAcknowledger{}
	adapter := NewBrokerAdapter("amqp://unused", mqx.Topology{Exchange: "library_events", Queue: "q", BindingKey: "book.*"}, "test", p, NewReconnector(BrokerAdapterName, time.Second, logx.Nop()), logx.Nop())

	deliveries := []amqp.Delivery{
		{Acknowledger: ack, DeliveryTag: 1, RoutingKey: "book.borrowed", Body: []byte(borrowedPayload)},
		{Acknowledger: ack, DeliveryTag: 2, RoutingKey: "book.borrowed", Body: []byte(borrowedPayload)},
		{Acknowledger: ack, DeliveryTag: 3, RoutingKey: "book.borrowed", Body: []byte(`garbage`)},
	}
	want := []Outcome{OutcomeBroadcast, OutcomeDuplicate, OutcomeMalformed}
	for i, d := range deliveries {
		if got := adapter.handleDelivery(context.Background(), d); got != want[i] {
			t.Fatalf("delivery %d: expected %s, got %s", d.DeliveryTag, want[i], got)
		}
	}
	if len(ack.acked) != 3 || ack.other != 0 {
		t.Fatalf("expected three acks and no nack/reject, got %v / %d", ack.acked, ack.other)
	}
	if len(b.snapshot()) != 1 {
		t.Fatalf("expected one broadcast")
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) state() ([]int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...), r.closed
}

func TestLogAdapterCommitsAndLeavesGroup(t *testing.T) {
	p, b := newTestPipeline()
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "library-events", Key: []byte("book.borrowed"), Value: []byte(`{"broken"`), Offset: 10},
		{Topic: "library-events", Key: []byte("book.borrowed"), Value: []byte(borrowedPayload), Offset: 11},
		{Topic: "library-events", Key: []byte("book.borrowed"), Value: []byte(borrowedPayload), Offset: 12},
	}}
	rc := NewReconnector(LogAdapterName, time.Second, logx.Nop())
	adapter := NewLogAdapter("library-events", "notification-service", func() (Reader, error) { return reader, nil }, p, rc, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adapter.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		committed, _ := reader.state()
		if len(committed) == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for commits, got %v", committed)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if adapter.State() != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", adapter.State())
	}
	cancel()
	<-done

	if _, closed := reader.state(); !closed {
		t.Fatalf("expected reader closed on shutdown")
	}
	if len(b.snapshot()) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(b.snapshot()))
	}
	if adapter.State() != StateDisconnected {
		t.Fatalf("expected disconnected after shutdown, got %s", adapter.State())
	}
}

func TestLogAdapterSubscribesOnlyAfterBrokerCheck(t *testing.T) {
	p, _ := newTestPipeline()
	var readers []*fakeReader
	newReader := func() (Reader, error) {
		r := &fakeReader{}
		readers = append(readers, r)
		return r, nil
	}
	rc := NewReconnector(LogAdapterName, time.Second, logx.Nop())
	adapter := NewLogAdapter("library-events", "notification-service", newReader, p, rc, logx.Nop())

	checks := 0
	var duringFailedCheck State
	adapter.WithBrokerCheck(func(context.Context) error {
		checks++
		if checks == 1 {
			duringFailedCheck = rc.State()
			return errors.New("dial tcp 127.0.0.1:9092: connection refused")
		}
		return nil
	})
	var afterFailure State
	rc.sleep = func(context.Context, time.Duration) bool {
		afterFailure = rc.State()
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adapter.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for adapter.State() != StateSubscribed {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for subscribed, got %s", adapter.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if duringFailedCheck != StateConnecting || afterFailure != StateDisconnected {
		t.Fatalf("expected connecting then disconnected before brokers answered, got %s and %s", duringFailedCheck, afterFailure)
	}
	if checks != 2 || len(readers) != 2 {
		t.Fatalf("expected 2 checks and 2 readers, got %d and %d", checks, len(readers))
	}
	if _, closed := readers[0].state(); !closed {
		t.Fatalf("expected reader from failed attempt closed")
	}
}

func TestLogAdapterDisabledWithoutBrokers(t *testing.T) {
	p, _ := newTestPipeline()
	adapter := NewLogAdapter("", "", nil, p, NewReconnector(LogAdapterName, time.Second, logx.Nop()), logx.Nop())
	adapter.Run(context.Background())
	if adapter.Enabled() || adapter.State() != StateDisabled {
		t.Fatalf("expected disabled adapter, got %s", adapter.State())
	}
}

func TestReconnectorRetriesWithFixedBackoff(t *testing.T) {
	rc := NewReconnector("test", 250*time.Millisecond, logx.Nop())
	var sleeps []time.Duration
	rc.sleep = func(_ context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	rc.Run(ctx, func(ctx context.Context, subscribed func()) error {
		attempts++
		if attempts < 4 {
			return errors.New("connection refused")
		}
		subscribed()
		if rc.State() != StateSubscribed {
			t.Errorf("expected subscribed inside session, got %s", rc.State())
		}
		cancel()
		return nil
	})

	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if len(sleeps) != 3 {
		t.Fatalf("expected 3 backoffs, got %v", sleeps)
	}
	for _, d := range sleeps {
		if d != 250*time.Millisecond {
			t.Fatalf("expected flat backoff, got %v", sleeps)
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StateDisconnected, StateConnecting) || !CanTransition(StateConnecting, StateSubscribed) {
		t.Fatalf("expected forward transitions to be allowed")
	}
	if CanTransition(StateDisconnected, StateSubscribed) {
		t.Fatalf("expected disconnected -> subscribed to be rejected")
	}
	if !CanTransition(StateSubscribed, StateDisconnected) {
		t.Fatalf("expected subscribed -> disconnected to be allowed")
	}
}
