package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	outboxKey      = "audit:outbox"
	outboxMaxDepth = 100000
	drainPopWait   = 2 * time.Second
	writeTimeout   = 5 * time.Second
)

var (
	entriesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neurolearn_audit_entries_total",
		Help: "Audit entries recorded, by path taken.",
	}, []string{"path"})
	entriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neurolearn_audit_entries_dropped_total",
		Help: "Audit entries that could not be persisted anywhere.",
	})
)

// EntryStore is the durable backend the outbox drains into.
type EntryStore interface {
	InsertAuditEntry(ctx context.Context, entry Entry) error
	QueryAuditEntries(ctx context.Context, query Query) ([]Entry, error)
}

// Recorder writes audit entries through a Redis outbox so an entry
// survives a crash between the request and the database write. Record
// never returns an error to the caller: a failed push falls back to a
// direct insert, and a failed insert is escalated in the log and counted,
// but the primary operation is never blocked.
type Recorder struct {
	rdb     *redis.Client
	store   EntryStore
	log     *zap.Logger
	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRecorder(rdb *redis.Client, store EntryStore, log *zap.Logger) *Recorder {
	return &Recorder{
		rdb:   rdb,
		store: store,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background drainer.
func (r *Recorder) Start() {
	go r.drainLoop()
}

// Close stops the drainer and drains whatever is left in the outbox.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Record enriches and persists one entry. Safe for concurrent use.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	entry.ID = uuid.NewString()
	entry = Enrich(entry, time.Now())

	payload, err := json.Marshal(entry)
	if err != nil {
		r.escalate(entry, err)
		return
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.push(pushCtx, payload); err == nil {
		entriesRecorded.WithLabelValues("outbox").Inc()
		return
	}

	if err := r.store.InsertAuditEntry(pushCtx, entry); err != nil {
		r.escalate(entry, err)
		return
	}
	entriesRecorded.WithLabelValues("direct").Inc()
}

// Dropped reports how many entries were lost since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) push(ctx context.Context, payload []byte) error {
	if r.rdb == nil {
		return redis.ErrClosed
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, outboxKey, payload)
	pipe.LTrim(ctx, outboxKey, 0, outboxMaxDepth-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Recorder) drainLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			r.drainRemaining()
			return
		default:
		}
		r.drainOne(drainPopWait)
	}
}

func (r *Recorder) drainRemaining() {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !r.drainOne(0) {
			return
		}
	}
}

// drainOne pops a single entry and inserts it. Returns false when the
// outbox is empty or unavailable.
func (r *Recorder) drainOne(wait time.Duration) bool {
	if r.rdb == nil {
		time.Sleep(drainPopWait)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait+writeTimeout)
	defer cancel()

	var payload string
	if wait > 0 {
		values, err := r.rdb.BRPop(ctx, wait, outboxKey).Result()
		if err != nil || len(values) < 2 {
			return false
		}
		payload = values[1]
	} else {
		value, err := r.rdb.RPop(ctx, outboxKey).Result()
		if err != nil {
			return false
		}
		payload = value
	}

	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		r.escalate(Entry{Action: "audit_outbox_corrupt"}, err)
		return true
	}
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		// Put it back so it is retried rather than lost.
		if pushErr := r.push(ctx, []byte(payload)); pushErr != nil {
			r.escalate(entry, err)
		}
		time.Sleep(time.Second)
		return true
	}
	entriesRecorded.WithLabelValues("drained").Inc()
	return true
}

func (r *Recorder) escalate(entry Entry, err error) {
	r.dropped.Add(1)
	entriesDropped.Inc()
	r.log.Error("audit_failure: entry could not be persisted",
		zap.String("action", entry.Action),
		zap.String("resourceType", entry.ResourceType),
		zap.String("userId", entry.UserID),
		zap.Error(err),
	)
}
