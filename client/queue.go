package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("sync queue full")
	ErrQueueClosed = errors.New("sync queue closed")
)

// Outcome 一次后台同步的结果
type Outcome struct {
	Op       string
	ID       string
	Err      error
	Finished time.Time
}

type syncTask struct {
	op  string
	id  string
	run func(ctx context.Context) error
}

// SyncQueue 单 worker 顺序执行远端同步，前台只入队不等待
type SyncQueue struct {
	tasks  chan syncTask
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger

	closeMu sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	done    chan struct{}

	mu       sync.Mutex
	outcomes []Outcome
	limit    int
}

// NewSyncQueue size 为缓冲任务数，limit 为保留的结果条数
func NewSyncQueue(size, limit int, log logrus.FieldLogger) *SyncQueue {
	if size <= 0 {
		size = 64
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &SyncQueue{
		tasks:  make(chan syncTask, size),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		done:   make(chan struct{}),
		limit:  limit,
	}
	go q.worker()
	return q
}

func (q *SyncQueue) worker() {
	defer close(q.done)
	for t := range q.tasks {
		err := t.run(q.ctx)
		if err != nil {
			q.log.WithError(err).WithFields(logrus.Fields{"op": t.op, "id": t.id}).Warn("[SyncQueue] task failed")
		}
		q.record(Outcome{Op: t.op, ID: t.id, Err: err, Finished: time.Now()})
		q.pending.Done()
	}
}

func (q *SyncQueue) record(o Outcome) {
	q.mu.Lock()
	q.outcomes = append(q.outcomes, o)
	if over := len(q.outcomes) - q.limit; over > 0 {
		q.outcomes = append(q.outcomes[:0:0], q.outcomes[over:]...)
	}
	q.mu.Unlock()
}

// Enqueue 缓冲满或已关闭时丢弃任务并记录失败结果
func (q *SyncQueue) Enqueue(op, id string, run func(ctx context.Context) error) bool {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()

	if q.closed {
		q.record(Outcome{Op: op, ID: id, Err: ErrQueueClosed, Finished: time.Now()})
		return false
	}

	q.pending.Add(1)
	select {
	case q.tasks <- syncTask{op: op, id: id, run: run}:
		return true
	default:
		q.pending.Done()
		q.log.WithFields(logrus.Fields{"op": op, "id": id}).Warn("[SyncQueue] queue full, task dropped")
		q.record(Outcome{Op: op, ID: id, Err: ErrQueueFull, Finished: time.Now()})
		return false
	}
}

// Outcomes 最近的结果，旧的在前
func (q *SyncQueue) Outcomes() []Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Outcome(nil), q.outcomes...)
}

func (q *SyncQueue) Failures() []Outcome {
	var out []Outcome
	for _, o := range q.Outcomes() {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Wait 阻塞到已入队的任务全部执行完；调用期间不能有并发的 Enqueue，停止时用 Close
func (q *SyncQueue) Wait() {
	q.pending.Wait()
}

// Close 先拒绝新任务，再等待已入队的任务执行完
// ctx 结束时取消进行中的重试等待，剩余任务以已取消的 ctx 快速结束
func (q *SyncQueue) Close(ctx context.Context) {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.tasks)
	q.closeMu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
		q.cancel()
		<-q.done
	}
	q.cancel()
}
