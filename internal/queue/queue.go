// Package queue 持久化因断网失败的写请求，源站恢复后按入队顺序重放。
//
// leveldb 目录内的键布局：
//
//	q/<id BE>                  JSON Request
//	t/<enqueuedAt BE><id BE>   id, ordered by enqueue time
//	meta/seq                   last assigned id
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixRecord = []byte("q/")
	prefixTime   = []byte("t/")
	keySeq       = []byte("meta/seq")
)

var (
	// ErrQuotaExceeded 表示队列已满，调用方记录日志并丢弃请求。
	ErrQuotaExceeded = errors.New("offline queue quota exceeded")
	// ErrNotFound 表示不存在该 id 的排队请求。
	ErrNotFound = errors.New("queued request not found")
	// ErrClosed 在 Close 之后返回。
	ErrClosed = errors.New("offline queue closed")
)

// Request 是源站不可达时捕获的写请求。URL 为 path+query，重放时相对源站解析。
type Request struct {
	ID         uint64            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
}

// Replayer 重新发出排队请求并返回源站状态码，error 非空表示源站不可达。
type Replayer interface {
	Replay(ctx context.Context, req Request) (int, error)
}

// ReplayFunc 把函数适配为 Replayer。
type ReplayFunc func(ctx context.Context, req Request) (int, error)

// Replay 实现 Replayer。
func (f ReplayFunc) Replay(ctx context.Context, req Request) (int, error) {
	return f(ctx, req)
}

// DrainResult 汇总一次 DrainAll 的结果。
type DrainResult struct {
	Replayed  int  `json:"replayed"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped"`
}

// Options 配置配额与重放回调，配额为 0 表示不限制。
type Options struct {
	MaxEntries int
	MaxBytes   int64
	OnReplayed func(Request)
}

// Queue 可并发使用：追加由 mu 串行化，同一时间最多一次重放。
type Queue struct {
	db   *leveldb.DB
	opts Options

	mu     sync.Mutex
	seq    uint64
	count  int
	bytes  int64
	closed bool

	draining atomic.Bool
}

// Open 打开（或创建）path 下的队列并重建计数。
func Open(path string, opts Options) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	q := &Queue{db: db, opts: opts}
	if err := q.loadState(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) loadState() error {
	raw, err := q.db.Get(keySeq, nil)
	switch {
	case err == nil && len(raw) == 8:
		q.seq = binary.BigEndian.Uint64(raw)
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		return fmt.Errorf("read queue sequence: %w", err)
	}

	it := q.db.NewIterator(util.BytesPrefix(prefixRecord), nil)
	defer it.Release()
	for it.Next() {
		q.count++
		q.bytes += int64(len(it.Value()))
		if id := binary.BigEndian.Uint64(it.Key()[len(prefixRecord):]); id > q.seq {
			q.seq = id
		}
	}
	return it.Error()
}

// Enqueue 以下一个 id 追加 req，EnqueuedAt 默认取当前时间。
func (q *Queue) Enqueue(ctx context.Context, req Request) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Request{}, ErrClosed
	}

	req.ID = q.seq + 1
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Request{}, fmt.Errorf("encode queued request: %w", err)
	}
	if q.opts.MaxEntries > 0 && q.count+1 > q.opts.MaxEntries {
		return Request{}, ErrQuotaExceeded
	}
	if q.opts.MaxBytes > 0 && q.bytes+int64(len(payload)) > q.opts.MaxBytes {
		return Request{}, ErrQuotaExceeded
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(req.ID), payload)
	batch.Put(timeKey(req.EnqueuedAt, req.ID), idBytes(req.ID))
	batch.Put(keySeq, idBytes(req.ID))
	if err := q.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return Request{}, fmt.Errorf("write queued request: %w", err)
	}

	q.seq = req.ID
	q.count++
	q.bytes += int64(len(payload))
	return req, nil
}

// List 按 id 顺序返回全部排队请求。
func (q *Queue) List(ctx context.Context) ([]Request, error) {
	it := q.db.NewIterator(util.BytesPrefix(prefixRecord), nil)
	defer it.Release()

	var out []Request
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var req Request
		if err := json.Unmarshal(it.Value(), &req); err != nil {
			return nil, fmt.Errorf("decode queued request: %w", err)
		}
		out = append(out, req)
	}
	if err := it.Error(); err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return out, nil
}

// Get 返回指定 id 的排队请求。
func (q *Queue) Get(ctx context.Context, id uint64) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	raw, err := q.db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("read queued request %d: %w", id, err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode queued request: %w", err)
	}
	return req, nil
}

// Discard 丢弃排队请求，不再重放。
func (q *Queue) Discard(ctx context.Context, id uint64) error {
	req, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return q.remove(req)
}

// Len 返回排队请求数。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Bytes 返回全部排队请求编码后的总大小。
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// OldestEnqueuedAt 从时间索引读取最早请求的入队时间。
func (q *Queue) OldestEnqueuedAt() (time.Time, bool) {
	it := q.db.NewIterator(util.BytesPrefix(prefixTime), nil)
	defer it.Release()
	if !it.First() {
		return time.Time{}, false
	}
	key := it.Key()[len(prefixTime):]
	if len(key) < 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[:8]))).UTC(), true
}

// Draining 报告是否正在重放。
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// DrainAll 按 id 顺序重放全部排队请求。2xx 应答删除记录并触发 OnReplayed，
// 其他结果保留记录并更新 Attempts 与 LastError。并发调用立即返回且 Skipped 为 true。
func (q *Queue) DrainAll(ctx context.Context, replayer Replayer) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true, Remaining: q.Len()}, nil
	}
	defer q.draining.Store(false)

	pending, err := q.List(ctx)
	if err != nil {
		return DrainResult{Remaining: q.Len()}, err
	}

	var result DrainResult
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			result.Remaining = q.Len()
			return result, err
		}

		status, replayErr := replayer.Replay(ctx, req)
		if replayErr == nil && status >= 200 && status < 300 {
			if err := q.remove(req); err != nil {
				result.Remaining = q.Len()
				return result, err
			}
			result.Replayed++
			if q.opts.OnReplayed != nil {
				q.opts.OnReplayed(req)
			}
			continue
		}

		result.Failed++
		req.Attempts++
		if replayErr != nil {
			req.LastError = replayErr.Error()
		} else {
			req.LastError = fmt.Sprintf("origin returned status %d", status)
		}
		if err := q.update(req); err != nil {
			result.Remaining = q.Len()
			return result, err
		}
	}
	result.Remaining = q.Len()
	return result, nil
}

func (q *Queue) remove(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	raw, err := q.db.Get(recordKey(req.ID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queued request %d: %w", req.ID, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(recordKey(req.ID))
	batch.Delete(timeKey(req.EnqueuedAt, req.ID))
	if err := q.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("delete queued request %d: %w", req.ID, err)
	}
	q.count--
	q.bytes -= int64(len(raw))
	return nil
}

func (q *Queue) update(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	old, err := q.db.Get(recordKey(req.ID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queued request %d: %w", req.ID, err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode queued request: %w", err)
	}
	if err := q.db.Put(recordKey(req.ID), payload, nil); err != nil {
		return fmt.Errorf("update queued request %d: %w", req.ID, err)
	}
	q.bytes += int64(len(payload) - len(old))
	return nil
}

// Close 释放数据库，之后的读写返回 ErrClosed。
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func recordKey(id uint64) []byte {
	return append(append([]byte{}, prefixRecord...), idBytes(id)...)
}

func timeKey(at time.Time, id uint64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	return bytes.Join([][]byte{prefixTime, ts[:], idBytes(id)}, nil)
}

func idBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}
