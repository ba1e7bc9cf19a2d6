package logpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/queue"
	"github.com/narvanalabs/shipyard/internal/queue/queuetest"
	"github.com/narvanalabs/shipyard/internal/store"
	"github.com/narvanalabs/shipyard/internal/store/storetest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.LogEvent
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, e *models.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testConfig() IngesterConfig {
	return IngesterConfig{
		BatchSize:         10,
		HeartbeatInterval: time.Millisecond,
		MessageTimeout:    time.Second,
		RestartDelay:      time.Millisecond,
	}
}

func publishLines(t *testing.T, broker *queuetest.Broker, deploymentID string, n int) {
	t.Helper()
	p := NewPublisher(broker, "p-1", deploymentID, nil)
	for i := 0; i < n; i++ {
		p.Publish(context.Background(), fmt.Sprintf("line %d", i))
	}
}

func drain(t *testing.T, ing *Ingester, c queue.Consumer) {
	t.Helper()
	for {
		n, err := ing.ProcessBatch(context.Background(), c)
		if err != nil {
			t.Fatalf("ProcessBatch() error = %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func TestIngesterRedeliveryStoresOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("redelivering an event N times leaves one row", prop.ForAll(
		func(lines, redeliveries int) bool {
			broker := queuetest.NewBroker()
			mem := storetest.NewMemory()
			pub := &recordingPublisher{}
			ing := NewIngester(mem, pub, nil, testConfig(), nil)

			publishLines(t, broker, "d-1", lines)
			first, _ := broker.Consumer("peek").Fetch(context.Background(), lines)
			for r := 0; r < redeliveries; r++ {
				for _, m := range first {
					broker.Redeliver(m)
				}
			}

			drain(t, ing, broker.Consumer("member"))

			n, _ := mem.Logs().Count(context.Background(), "d-1")
			return n == lines && pub.count() == lines
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestIngesterRestartMidBatch(t *testing.T) {
	const lines = 8

	clean := func() int {
		broker := queuetest.NewBroker()
		mem := storetest.NewMemory()
		publishLines(t, broker, "d-1", lines)
		drain(t, NewIngester(mem, nil, nil, testConfig(), nil), broker.Consumer("member"))
		n, _ := mem.Logs().Count(context.Background(), "d-1")
		return n
	}()

	broker := queuetest.NewBroker()
	mem := storetest.NewMemory()
	publishLines(t, broker, "d-1", lines)

	// Crash after three inserts of the first batch.
	ctx, cancel := context.WithCancel(context.Background())
	inserts := 0
	mem.OnInsertLog = func(*models.LogEvent) error {
		inserts++
		if inserts == 3 {
			cancel()
		}
		return nil
	}

	crashed := broker.Consumer("member")
	if _, err := NewIngester(mem, nil, nil, testConfig(), nil).ProcessBatch(ctx, crashed); !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessBatch() error = %v, want context.Canceled", err)
	}
	crashed.Close()

	if broker.Acked() != 0 {
		t.Fatalf("acked %d entries of an interrupted batch", broker.Acked())
	}

	mem.OnInsertLog = nil
	drain(t, NewIngester(mem, nil, nil, testConfig(), nil), broker.Consumer("member"))

	got, _ := mem.Logs().Count(context.Background(), "d-1")
	if got != clean {
		t.Errorf("rows after restart = %d, clean run = %d", got, clean)
	}
	if broker.Pending() != 0 {
		t.Errorf("pending = %d after restart, want 0", broker.Pending())
	}
}

func TestIngesterSkipsMalformedAndStoreErrors(t *testing.T) {
	broker := queuetest.NewBroker()
	mem := storetest.NewMemory()
	ing := NewIngester(mem, nil, nil, testConfig(), nil)

	_ = broker.Publish(context.Background(), "d-1", []byte("not json"))
	publishLines(t, broker, "d-1", 3)

	failed := false
	mem.OnInsertLog = func(e *models.LogEvent) error {
		if e.Message == "line 1" && !failed {
			failed = true
			return errors.New("connection reset")
		}
		return nil
	}

	drain(t, ing, broker.Consumer("member"))

	if broker.Acked() != 4 {
		t.Errorf("acked = %d, want 4 (batch committed despite skips)", broker.Acked())
	}
	n, _ := mem.Logs().Count(context.Background(), "d-1")
	if n != 2 {
		t.Errorf("stored = %d, want 2", n)
	}
}

func TestIngesterAppliesStatus(t *testing.T) {
	broker := queuetest.NewBroker()
	mem := storetest.NewMemory()
	ctx := context.Background()

	d := &models.Deployment{ID: "d-1", ProjectID: "p-1"}
	_ = mem.Deployments().Create(ctx, d)

	p := NewPublisher(broker, "p-1", "d-1", nil)
	p.PublishStatus(ctx, "Build started...", models.DeploymentStatusBuilding)
	p.Publish(ctx, "compiling")
	p.PublishStatus(ctx, "Done", models.DeploymentStatusReady)
	// A late failure line never moves a READY deployment.
	p.PublishStatus(ctx, "Build failed", models.DeploymentStatusFailed)

	drain(t, NewIngester(mem, nil, nil, testConfig(), nil), broker.Consumer("member"))

	got, _ := mem.Deployments().Get(ctx, "d-1")
	if got.Status != models.DeploymentStatusReady {
		t.Errorf("status = %s, want READY", got.Status)
	}
}

func TestIngesterQueryOrder(t *testing.T) {
	broker := queuetest.NewBroker()
	mem := storetest.NewMemory()
	publishLines(t, broker, "d-1", 25)

	drain(t, NewIngester(mem, nil, nil, testConfig(), nil), broker.Consumer("member"))

	events, err := mem.Logs().Query(context.Background(), "d-1", store.LogQuery{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if cur.Timestamp.Before(prev.Timestamp) {
			t.Fatalf("events out of order at %d", i)
		}
		if cur.Timestamp.Equal(prev.Timestamp) && cur.Sequence < prev.Sequence {
			t.Fatalf("sequence out of order at %d", i)
		}
	}
}

func TestSuperviseRestartsAfterFatalError(t *testing.T) {
	broker := queuetest.NewBroker()
	mem := storetest.NewMemory()
	ing := NewIngester(mem, nil, nil, testConfig(), nil)

	publishLines(t, broker, "d-1", 5)
	broker.FetchErr = errors.New("connection lost")

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	builds := 0
	factory := func(context.Context) (queue.Consumer, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		return broker.Consumer("member"), nil
	}

	done := make(chan error, 1)
	go func() { done <- ing.Supervise(ctx, factory) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := mem.Logs().Count(context.Background(), "d-1")
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored %d rows before deadline, want 5", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Supervise() = %v, want nil", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if builds < 2 {
		t.Errorf("consumer built %d times, want a rebuild after the failure", builds)
	}
}

func TestIngesterStoresLinesWithNUL(t *testing.T) {
	broker := queuetest.NewBroker()
	mem := storetest.NewMemory()
	// Postgres text columns refuse 0x00.
	mem.OnInsertLog = func(e *models.LogEvent) error {
		if strings.ContainsRune(e.Message, 0) {
			return errors.New(`invalid byte sequence for encoding "UTF8": 0x00`)
		}
		return nil
	}

	NewPublisher(broker, "p-1", "d-1", nil).Publish(context.Background(), "tar: bin\x00ary header")
	drain(t, NewIngester(mem, nil, nil, testConfig(), nil), broker.Consumer("member"))

	events, err := mem.Logs().Query(context.Background(), "d-1", store.LogQuery{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 || events[0].Message != "tar: binary header" {
		t.Fatalf("stored = %+v, want one line with the NUL removed", events)
	}
}
