package surge

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/surge/pkg/surge/web"
)

// Executor runs dispatched handler tasks off the reactor thread.
type Executor interface {
	// Submit schedules fn. It must not block the caller indefinitely.
	Submit(fn func())

	// Shutdown stops accepting tasks and waits for in-flight ones.
	Shutdown()
}

// serialExecutor is the default executor: a single worker goroutine, which
// matches the engine's single-thread fallback contract.
type serialExecutor struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewSerialExecutor creates a single-worker executor.
func NewSerialExecutor() Executor {
	e := &serialExecutor{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *serialExecutor) run() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

func (e *serialExecutor) Submit(fn func()) {
	defer func() {
		// A send on the closed channel after Shutdown is dropped.
		_ = recover()
	}()
	e.tasks <- fn
}

func (e *serialExecutor) Shutdown() {
	e.once.Do(func() { close(e.tasks) })
	<-e.done
}

// poolExecutor fans tasks out over a bounded worker pool.
type poolExecutor struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPoolExecutor creates an executor backed by n workers.
func NewPoolExecutor(n int) Executor {
	if n < 1 {
		n = 1
	}
	e := &poolExecutor{tasks: make(chan func(), 256)}
	e.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer e.wg.Done()
			for fn := range e.tasks {
				fn()
			}
		}()
	}
	return e
}

func (e *poolExecutor) Submit(fn func()) {
	defer func() { _ = recover() }()
	e.tasks <- fn
}

func (e *poolExecutor) Shutdown() {
	e.once.Do(func() { close(e.tasks) })
	e.wg.Wait()
}

// Dispatcher is the handoff between a fully-assembled request and the
// executor that invokes the matched handler.
type Dispatcher struct {
	router   *Router
	executor Executor
	log      *logrus.Entry
}

// NewDispatcher wires a route table to an executor.
func NewDispatcher(router *Router, executor Executor, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{router: router, executor: executor, log: log}
}

// Dispatch matches the request and submits the handler task. Unmatched
// requests answer synchronously: 404 for unknown paths, 405 with an Allow
// header when the path exists under other methods. The submitted task
// closes the response handle on exit regardless of outcome; a handler
// panic produces a 500 when nothing was sent yet.
func (d *Dispatcher) Dispatch(req *web.Request, res web.ResponseHandle) {
	handler, allowed, ok := d.router.Lookup(req.Method, req.Path)
	if !ok {
		if len(allowed) > 0 {
			for _, m := range allowed {
				res.Header(web.HeaderAllow, m)
			}
			_ = res.RespondStatus(405)
		} else {
			_ = res.RespondStatus(404)
		}
		_ = res.Close()
		return
	}

	metricRequestsDispatched()
	d.executor.Submit(func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.log.WithFields(logrus.Fields{
					"method": req.Method,
					"path":   req.Path,
					"panic":  rec,
				}).Error("handler panicked")
				if !res.Responded() {
					_ = res.RespondStatus(500)
				}
			}
			_ = res.Close()
		}()
		handler.Serve(req, res)
	})
}
