package patterncache

import "context"

// Owner serializes all cache access through a single goroutine. Callers
// never touch the Cache directly; they send requests over a channel and
// wait for the reply. This removes the need for locking inside the cache
// while letting any number of fix-loop goroutines share it.
type Owner struct {
	reqs chan request
	done chan struct{}
}

type opKind int

const (
	opLookup opKind = iota
	opRecord
	opPenalize
	opLen
)

type request struct {
	kind      opKind
	signature string
	fix       Fix
	reply     chan response
}

type response struct {
	fix     Fix
	ok      bool
	evicted bool
	n       int
}

// NewOwner starts the owner goroutine over cache. The cache must not be
// used directly after this call. Stop with Close.
func NewOwner(cache *Cache) *Owner {
	o := &Owner{
		reqs: make(chan request),
		done: make(chan struct{}),
	}
	go o.run(cache)
	return o
}

func (o *Owner) run(cache *Cache) {
	for {
		select {
		case <-o.done:
			return
		case req := <-o.reqs:
			var resp response
			switch req.kind {
			case opLookup:
				resp.fix, resp.ok = cache.Lookup(req.signature)
			case opRecord:
				cache.Record(req.signature, req.fix)
			case opPenalize:
				resp.evicted = cache.Penalize(req.signature)
			case opLen:
				resp.n = cache.Len()
			}
			req.reply <- resp
		}
	}
}

// Close stops the owner goroutine. In-flight requests complete; later
// requests fail with the context error or block until cancelled.
func (o *Owner) Close() {
	close(o.done)
}

func (o *Owner) send(ctx context.Context, req request) (response, bool) {
	req.reply = make(chan response, 1)
	select {
	case o.reqs <- req:
	case <-ctx.Done():
		return response{}, false
	case <-o.done:
		return response{}, false
	}
	select {
	case resp := <-req.reply:
		return resp, true
	case <-ctx.Done():
		return response{}, false
	}
}

// Lookup queries the cache for signature.
func (o *Owner) Lookup(ctx context.Context, signature string) (Fix, bool) {
	resp, ok := o.send(ctx, request{kind: opLookup, signature: signature})
	if !ok {
		return Fix{}, false
	}
	return resp.fix, resp.ok
}

// Record inserts or refreshes the fix for signature.
func (o *Owner) Record(ctx context.Context, signature string, fix Fix) {
	o.send(ctx, request{kind: opRecord, signature: signature, fix: fix})
}

// Penalize reports a verification failure for signature. Returns true if
// the entry was evicted as poisoned.
func (o *Owner) Penalize(ctx context.Context, signature string) bool {
	resp, _ := o.send(ctx, request{kind: opPenalize, signature: signature})
	return resp.evicted
}

// Len returns the current number of cached entries.
func (o *Owner) Len(ctx context.Context) int {
	resp, _ := o.send(ctx, request{kind: opLen})
	return resp.n
}
