// Package logship delivers log lines to an external log backend in
// buffered, batched HTTP pushes. Lines are flushed when the buffered byte
// size crosses a threshold or a flush-interval timer elapses, whichever
// comes first. A failed flush requeues the batch ahead of newer lines
// rather than dropping it; under sustained backend failure this can
// deliver batches out of original temporal order, which is accepted
// behavior for this best-effort channel.
package logship

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/lowkit/lowkit/appconfig"
)

// Line is one log record to ship.
type Line struct {
	Time    time.Time
	Level   string
	Message string
	Labels  map[string]string
}

// Shipper buffers lines and pushes them to a backend.
type Shipper interface {
	// Push buffers one line for asynchronous delivery.
	Push(l Line)

	// Flush synchronously delivers everything currently buffered.
	Flush(ctx context.Context) error

	// Close flushes what it can and stops the background loop.
	Close() error
}

// Options tunes the buffering behavior.
type Options struct {
	// MaxBufferBytes triggers a flush when the buffered payload crosses
	// this size. Default 64 KiB.
	MaxBufferBytes int

	// FlushInterval is the timer-based flush cadence. Default 5s.
	FlushInterval time.Duration

	// SendTimeout bounds one delivery attempt. Default 10s.
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = 64 << 10
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	return o
}

// sendFunc delivers one batch to the backend.
type sendFunc func(ctx context.Context, batch []Line) error

// batcher is the shared buffering core behind every shipper. A background
// goroutine flushes on a ticker; Push signals an immediate flush when the
// size threshold is crossed.
type batcher struct {
	send sendFunc
	opts Options

	mu    sync.Mutex
	buf   []Line
	bytes int

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  bool
}

func newBatcher(send sendFunc, opts Options) *batcher {
	b := &batcher{
		send:    send,
		opts:    opts.withDefaults(),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Push buffers one line and triggers an asynchronous flush when the
// buffered size crosses the threshold.
func (b *batcher) Push(l Line) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, l)
	b.bytes += len(l.Message) + len(l.Level) + 32
	over := b.bytes >= b.opts.MaxBufferBytes
	b.mu.Unlock()

	if over {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush synchronously attempts delivery of the current buffer.
func (b *batcher) Flush(ctx context.Context) error {
	return b.flush(ctx)
}

// Close stops the background loop after a final best-effort flush.
func (b *batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
	defer cancel()
	return b.flush(ctx)
}

func (b *batcher) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
		case <-b.flushCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
		_ = b.flush(ctx) // failures stay buffered for the next trigger
		cancel()
	}
}

// flush swaps the buffer out, attempts delivery, and on failure prepends
// the batch back ahead of lines buffered meanwhile.
func (b *batcher) flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.buf
	b.buf = nil
	b.bytes = 0
	b.mu.Unlock()

	if err := b.send(ctx, batch); err != nil {
		b.mu.Lock()
		b.buf = append(batch, b.buf...)
		for _, l := range b.buf {
			b.bytes += len(l.Message) + len(l.Level) + 32
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// Auth is the backend authentication config. Either a precomputed base64
// Basic token, or a username/password pair encoded at request time. All
// fields accept cfg: indirections.
type Auth struct {
	BasicToken string
	Username   string
	Password   string
}

// header renders the Authorization header value, or "" when unset.
func (a Auth) header() string {
	if a.BasicToken != "" {
		return "Basic " + a.BasicToken
	}
	if a.Username != "" || a.Password != "" {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(a.Username+":"+a.Password))
	}
	return ""
}

// resolve applies cfg: indirection to every auth field.
func (a Auth) resolve(lookup appconfig.Lookup) (Auth, error) {
	var err error
	if a.BasicToken, err = appconfig.ResolveValue(a.BasicToken, lookup); err != nil {
		return Auth{}, err
	}
	if a.Username, err = appconfig.ResolveValue(a.Username, lookup); err != nil {
		return Auth{}, err
	}
	if a.Password, err = appconfig.ResolveValue(a.Password, lookup); err != nil {
		return Auth{}, err
	}
	return a, nil
}

// ErrBadStatus reports a non-2xx backend response.
var ErrBadStatus = errors.New("log backend returned non-2xx status")
