package vbucket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/hashtable"
	"github.com/kestreldb/kestrel/internal/util/workerpool"
	"go.uber.org/zap"
)

// pendingFetch collects the cookies parked on one in-flight background
// fetch. The registry entry doubles as the fetch-scheduled marker so
// concurrent misses on the same key coalesce into a single disk read.
type pendingFetch struct {
	mu      sync.Mutex
	waiters []interface{}
}

func (p *pendingFetch) addWaiter(cookie interface{}) {
	if cookie == nil {
		return
	}
	p.mu.Lock()
	p.waiters = append(p.waiters, cookie)
	p.mu.Unlock()
}

func (p *pendingFetch) drain() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.waiters
	p.waiters = nil
	return w
}

// addFetchWaiter parks cookie on a fetch that is already in flight.
func (v *VBucket) addFetchWaiter(key string, cookie interface{}) {
	pf, _ := v.pending.LoadOrStore(key, &pendingFetch{})
	pf.addWaiter(cookie)
}

// scheduleFetch starts a background fetch for key unless one is already in
// flight, and parks cookie on its completion.
func (v *VBucket) scheduleFetch(key string, cookie interface{}) {
	pf, loaded := v.pending.LoadOrStore(key, &pendingFetch{})
	pf.addWaiter(cookie)
	if loaded {
		return
	}

	bucket, sv := v.ht.FindForWrite(key)
	if sv == nil {
		sv = hashtable.NewTempStoredValue(key)
		bucket.Insert(sv)
	}
	bucket.Unlock()

	if v.mx != nil {
		v.mx.BGFetchesPending.Inc()
	}

	if v.fetchPool == nil {
		v.runFetch(key)
		return
	}
	task := workerpool.Task{
		ID: fmt.Sprintf("bgfetch/%d/%s", v.id, key),
		Fn: func(context.Context) error {
			v.runFetch(key)
			return nil
		},
	}
	if err := v.fetchPool.Submit(task); err != nil {
		v.logger.Warn("background fetch rejected, running inline",
			zap.String("key", key), zap.Error(err))
		v.runFetch(key)
	}
}

// runFetch reads key from the store and folds the answer back into the hash
// table, then resumes every parked connection.
func (v *VBucket) runFetch(key string) {
	start := time.Now()
	doc, err := v.store.Get(v.id, key)
	if err != nil && !errors.IsCode(err, errors.ErrCodeKeyNotFound) {
		v.logger.Error("background fetch failed",
			zap.String("key", key), zap.Error(err))
		// Leave the placeholder as a definitive miss; the client retry
		// surfaces a fresh fetch.
		doc, err = nil, nil
	}

	bucket, sv := v.ht.FindForWrite(key)
	if sv != nil {
		oldSize := sv.Size()
		switch {
		case doc == nil:
			if sv.Temp == hashtable.TempInitial {
				sv.Temp = hashtable.TempNonExistent
			}
		case doc.Deleted:
			if sv.Temp == hashtable.TempInitial {
				sv.Meta = doc.Meta
				sv.Datatype = doc.Datatype
				sv.Seqno = doc.Seqno
				sv.Temp = hashtable.TempDeleted
			}
		default:
			wasTemp := sv.IsTemp()
			wasNonResident := !sv.IsResident() && !wasTemp
			if sv.Temp == hashtable.TempInitial || wasNonResident {
				sv.Restore(doc.Value, doc.Meta, doc.Datatype, doc.Seqno, false)
				sv.MarkClean(doc.Seqno)
				if wasTemp {
					bucket.NoteTempResolved()
				}
				if wasNonResident {
					v.ht.NoteNonResident(-1)
				}
			}
		}
		bucket.ResizeValue(sv, oldSize)
	}
	bucket.Unlock()

	if v.mx != nil {
		v.mx.BGFetchesTotal.Inc()
		v.mx.BGFetchesPending.Dec()
		v.mx.BGFetchDuration.Observe(time.Since(start).Seconds())
	}

	pf, ok := v.pending.LoadAndDelete(key)
	if !ok {
		return
	}
	for _, cookie := range pf.drain() {
		v.callbacks.fetchComplete(cookie)
	}
}
