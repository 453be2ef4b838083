package surge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/surge/pkg/surge/buffer"
	"github.com/yourusername/surge/pkg/surge/http11"
	"github.com/yourusername/surge/pkg/surge/http2"
	"github.com/yourusername/surge/pkg/surge/reactor"
	"github.com/yourusername/surge/pkg/surge/socket"
	"github.com/yourusername/surge/pkg/surge/web"
)

const switchingProtocols = "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n"

// Engine owns the listening endpoint, the reactor, the context pool, and
// the dispatcher. Create with NewEngine, register routes on Router, then
// Start.
type Engine struct {
	cfg        Config
	log        *logrus.Entry
	router     *Router
	executor   Executor
	ownExec    bool
	dispatcher *Dispatcher
	pool       *ContextPool

	reactor *reactor.Reactor
	group   *errgroup.Group

	mu    sync.Mutex
	live  map[reactor.Context]struct{}
	port  int
	began bool
}

// NewEngine validates the configuration and assembles an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logrus.NewEntry(cfg.Log)

	executor := cfg.Executor
	ownExec := false
	if executor == nil {
		executor = NewSerialExecutor()
		ownExec = true
	}

	router := NewRouter()

	// The input buffer must hold a full HTTP/2 frame plus header as well
	// as a complete HTTP/1.1 request.
	inputCap := cfg.MaxRequestSize
	if m := http2.DefaultMaxFrameSize + http2.FrameHeaderLen; inputCap < m {
		inputCap = m
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		router:   router,
		executor: executor,
		ownExec:  ownExec,
		pool:     NewContextPool(inputCap),
		live:     make(map[reactor.Context]struct{}),
	}
	e.dispatcher = NewDispatcher(router, executor, log)
	return e, nil
}

// Router returns the engine's route table.
func (e *Engine) Router() *Router { return e.router }

// Port returns the bound port once Start has succeeded; useful with an
// ephemeral port request.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// NumConnections reports the live connection count tracked by the engine.
func (e *Engine) NumConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// PoolStats exposes context pool counters.
func (e *Engine) PoolStats() PoolStats { return e.pool.Stats() }

// Start binds the endpoint and launches the reactor. It returns once the
// engine is accepting; Wait blocks on the reactor.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.began {
		return nil
	}

	fd, port, err := listenTCP(e.cfg.Host, e.cfg.Port, e.cfg.Backlog)
	if err != nil {
		return err
	}
	e.port = port

	r, err := reactor.New(fd, e.acceptContext, reactor.Config{
		Log:            e.log,
		PollTimeout:    e.cfg.PollTimeout,
		MaxConnections: e.cfg.MaxIdleConnections,
	})
	if err != nil {
		closeFD(fd)
		return err
	}
	e.reactor = r

	g := new(errgroup.Group)
	g.Go(r.Run)
	e.group = g
	e.began = true

	e.log.WithFields(logrus.Fields{
		"host": e.cfg.Host,
		"port": port,
	}).Info("engine started")
	return nil
}

// Wait blocks until the reactor exits.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shutdown closes gracefully: HTTP/2 connections receive GOAWAY(NO_ERROR),
// HTTP/1.1 connections close after the in-flight response, queued output
// drains, then the reactor stops. The context bounds the drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	live := make([]reactor.Context, 0, len(e.live))
	for c := range e.live {
		live = append(live, c)
	}
	e.mu.Unlock()

	for _, c := range live {
		switch conn := c.(type) {
		case *http2.Conn:
			conn.Shutdown()
		case *http11.Conn:
			conn.Shutdown()
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.NumConnections() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			e.log.Warn("shutdown deadline reached with live connections")
			goto out
		case <-ticker.C:
		}
	}
out:
	return e.Stop()
}

// Stop halts the engine immediately. Queued output is abandoned.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.reactor
	g := e.group
	e.mu.Unlock()

	if r != nil {
		r.Close()
	}
	var err error
	if g != nil {
		err = g.Wait()
	}
	if e.ownExec {
		e.executor.Shutdown()
	}
	return err
}

// acceptContext builds the HTTP/1.1 context for a freshly accepted
// descriptor. Runs on the reactor thread.
func (e *Engine) acceptContext(fd int) (reactor.Context, error) {
	socket.Apply(fd, socket.Config{
		NoDelay:   e.cfg.NoDelay,
		KeepAlive: true,
	})

	connLog := e.log.WithField("conn_id", uuid.NewString())
	in := e.pool.GetInput()
	out := buffer.NewOutQueue()
	src := reactor.FDReader(fd)

	var c *http11.Conn
	c = http11.NewConn(in, out, src, http11.Options{
		Log:            connLog,
		Dispatch:       e.dispatcher.Dispatch,
		Wake:           e.wake,
		Upgrade:        e.upgradeFunc(connLog),
		PriorKnowledge: e.priorKnowledgeFunc(connLog),
		MaxRequestSize: e.cfg.MaxRequestSize,
		MaxRequests:    e.cfg.MaxRequestsPerConnection,
		OutputSlotSize: e.cfg.OutputBufferSize,
		OnRelease: func() {
			e.pool.PutInput(in)
			e.forget(c)
		},
	})
	e.track(c)
	connLog.Debug("connection accepted")
	metricConnectionsAccepted()
	return c, nil
}

func (e *Engine) track(c reactor.Context) {
	e.mu.Lock()
	e.live[c] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) forget(c reactor.Context) {
	if c == nil {
		return
	}
	e.mu.Lock()
	delete(e.live, c)
	e.mu.Unlock()
}

func (e *Engine) wake() {
	e.mu.Lock()
	r := e.reactor
	e.mu.Unlock()
	if r != nil {
		r.Wakeup()
	}
}

// h2Options builds the per-connection HTTP/2 options.
func (e *Engine) h2Options(log *logrus.Entry) http2.Options {
	return http2.Options{
		Log:                  log,
		Dispatch:             e.dispatcher.Dispatch,
		Wake:                 e.wake,
		MaxConcurrentStreams: e.cfg.MaxConcurrentStreamsPerConnection,
		MaxHeaderListSize:    e.cfg.MaxHeaderListSize,
		MaxHeaderTableSize:   e.cfg.MaxHeaderTableSize,
		PatienceThreshold:    e.cfg.PatienceThreshold,
		OutputSlotSize:       e.cfg.OutputBufferSize,
	}
}

// upgradeFunc performs the h2c switch: validate HTTP2-Settings, emit the
// 101 response ahead of the HTTP/2 server preface, adopt the residual
// input, and hand over a started HTTP/2 context.
func (e *Engine) upgradeFunc(log *logrus.Entry) http11.UpgradeFunc {
	return func(settingsHeader string, req *web.Request, residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error) {
		entries, err := http2.DecodeBase64Settings(settingsHeader)
		if err != nil {
			return nil, err
		}
		probe := http2.DefaultSettings()
		if err := probe.Apply(entries); err != nil {
			return nil, err
		}

		if err := buffer.EnqueueBytes(out, e.cfg.OutputBufferSize, []byte(switchingProtocols)); err != nil {
			return nil, err
		}

		in := e.pool.GetInput()
		if err := in.Adopt(residual); err != nil {
			e.pool.PutInput(in)
			return nil, err
		}

		opts := e.h2Options(log.WithField("proto", "h2c"))
		var h2 *http2.Conn
		opts.OnRelease = func() {
			e.pool.PutInput(in)
			e.forget(h2)
		}
		h2, err = http2.NewUpgradedConn(in, out, src, opts, entries, req)
		if err != nil {
			e.pool.PutInput(in)
			return nil, err
		}
		e.track(h2)
		h2.Start()
		metricUpgrades()
		return h2, nil
	}
}

// priorKnowledgeFunc switches a connection that opened with the client
// preface straight into HTTP/2; the new context consumes the preface from
// the adopted input itself.
func (e *Engine) priorKnowledgeFunc(log *logrus.Entry) http11.PriorKnowledgeFunc {
	return func(residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error) {
		in := e.pool.GetInput()
		if err := in.Adopt(residual); err != nil {
			e.pool.PutInput(in)
			return nil, err
		}
		opts := e.h2Options(log.WithField("proto", "h2"))
		var h2 *http2.Conn
		opts.OnRelease = func() {
			e.pool.PutInput(in)
			e.forget(h2)
		}
		h2 = http2.NewConn(in, out, src, opts)
		e.track(h2)
		h2.Start()
		return h2, nil
	}
}
