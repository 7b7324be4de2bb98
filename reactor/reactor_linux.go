//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor. One goroutine, locked to its OS thread,
// waits on epoll, dispatches readiness callbacks, fires timers and runs
// operations posted by other goroutines.

package reactor

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/concurrency"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// op is a function posted to the loop together with its result channel.
type op struct {
	fn  func() error
	res chan error
}

// Reactor is an epoll event loop.
type Reactor struct {
	cfg  Config
	log  api.Logger
	epfd int

	// wakeMu guards wakefd against writes after it is closed.
	wakeMu      sync.RWMutex
	wakefd      int
	wakeClosed  bool
	wakePending atomic.Bool

	tid     atomic.Int64
	ops     chan op
	closing atomic.Bool
	done    chan struct{}
	fatal   error

	// loop-owned state
	regs   map[int]*Registration
	nextID uint32
	timers timers

	exec      *concurrency.Executor
	closeOnce sync.Once
}

// New creates the epoll instance and starts the loop goroutine.
func New(cfg Config) (*Reactor, error) {
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}

	r := &Reactor{
		cfg:    cfg,
		log:    api.DefaultLogger(cfg.Logger),
		epfd:   epfd,
		wakefd: wakefd,
		ops:    make(chan op, cfg.QueueSize),
		done:   make(chan struct{}),
		regs:   make(map[int]*Registration),
	}
	r.exec = concurrency.NewExecutor(r.log)

	started := make(chan struct{})
	go r.run(started)
	<-started
	return r, nil
}

// Executor returns the deferred executor.
func (r *Reactor) Executor() *concurrency.Executor {
	return r.exec
}

// Logger returns the reactor logger.
func (r *Reactor) Logger() api.Logger {
	return r.log
}

// InLoop reports whether the caller runs on the loop goroutine.
func (r *Reactor) InLoop() bool {
	tid := r.tid.Load()
	return tid != 0 && int64(unix.Gettid()) == tid
}

// Done is closed once the loop has exited and released its descriptors.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that stopped the loop, if any.
func (r *Reactor) Err() error {
	select {
	case <-r.done:
		return r.fatal
	default:
		return nil
	}
}

// Execute runs fn on the loop goroutine and returns its error. It runs
// inline when called from the loop; otherwise it blocks until the loop has
// run fn or the reactor is closed.
func (r *Reactor) Execute(fn func() error) error {
	select {
	case <-r.done:
		return api.ErrReactorClosed
	default:
	}
	if r.InLoop() {
		return fn()
	}
	if r.closing.Load() {
		return api.ErrReactorClosed
	}

	res := make(chan error, 1)
	select {
	case r.ops <- op{fn: fn, res: res}:
	case <-r.done:
		return api.ErrReactorClosed
	}
	r.wakeup()

	select {
	case err := <-res:
		return err
	case <-r.done:
		select {
		case err := <-res:
			return err
		default:
			return api.ErrReactorClosed
		}
	}
}

// Schedule runs fn on the loop goroutine after delay.
func (r *Reactor) Schedule(delay time.Duration, fn func()) *Timer {
	t := &Timer{deadline: time.Now().Add(delay), fn: fn, index: -1}
	if r.InLoop() {
		r.timers.add(t)
		return t
	}
	if err := r.Execute(func() error {
		r.timers.add(t)
		return nil
	}); err != nil {
		t.Cancel()
	}
	return t
}

// Register adds fd to the epoll set with the given interest.
func (r *Reactor) Register(fd int, interest Interest, cb Callback) (*Registration, error) {
	return Call(r, func() (*Registration, error) {
		if _, ok := r.regs[fd]; ok {
			return nil, fmt.Errorf("%w: fd %d already registered", api.ErrInvalidArgument, fd)
		}
		r.nextID++
		reg := &Registration{r: r, fd: fd, id: r.nextID, cb: cb, valid: true}
		if err := reg.SetInterest(interest); err != nil {
			return nil, err
		}
		r.regs[fd] = reg
		return reg, nil
	})
}

// Close stops the loop, fails pending operations with ErrReactorClosed,
// force-closes descriptors still registered and releases epoll. Called
// from the loop goroutine it only requests the stop.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		r.wakeup()
		r.exec.Close()
	})
	if r.InLoop() {
		return nil
	}
	<-r.done
	return r.fatal
}

func (r *Reactor) wakeup() {
	if !r.wakePending.CompareAndSwap(false, true) {
		return
	}
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.wakeClosed {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		r.log.Warnf("reactor: wakeup: %v", err)
	}
}

func (r *Reactor) consumeWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			break
		}
	}
	r.wakePending.Store(false)
}

func (r *Reactor) run(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if len(r.cfg.Affinity) > 0 {
		if err := concurrency.PinCurrentThread(r.cfg.Affinity); err != nil {
			r.log.Warnf("reactor: pin loop thread: %v", err)
		}
	}
	r.tid.Store(int64(unix.Gettid()))
	close(started)

	events := make([]unix.EpollEvent, maxEvents)
	for !r.closing.Load() {
		timeout := r.timers.next(time.Now(), r.cfg.Tick)
		if len(r.ops) > 0 {
			timeout = 0
		}
		n, err := unix.EpollWait(r.epfd, events, waitMillis(timeout))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Errorf("reactor: epoll wait: %v", err)
			r.fatal = fmt.Errorf("epoll wait: %w", err)
			break
		}
		for i := 0; i < n; i++ {
			r.dispatch(&events[i])
		}
		r.timers.due(time.Now(), func(t *Timer) {
			r.invoke("timer", t.fn)
		})
		r.drainOps()
	}
	r.shutdown()
}

func waitMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (r *Reactor) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.wakefd {
		r.consumeWakeup()
		return
	}
	reg, ok := r.regs[fd]
	if !ok || reg.id != uint32(ev.Pad) {
		return
	}
	var ready Interest
	if ev.Events&unix.EPOLLIN != 0 {
		ready |= Read
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		ready |= Write
	}
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= Error | reg.interest
	}
	ready &= reg.interest | Error
	if ready == 0 {
		return
	}
	r.invoke("callback", func() { reg.cb(ready) })
}

func (r *Reactor) drainOps() {
	for {
		select {
		case o := <-r.ops:
			var err error
			r.invoke("operation", func() { err = o.fn() })
			o.res <- err
		default:
			return
		}
	}
}

func (r *Reactor) invoke(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("reactor: %s panic: %v", what, p)
		}
	}()
	fn()
}

func (r *Reactor) shutdown() {
pending:
	for {
		select {
		case o := <-r.ops:
			o.res <- api.ErrReactorClosed
		default:
			break pending
		}
	}

	var err error
	if len(r.regs) > 0 {
		r.log.Warnf("reactor: %d descriptors still registered on close", len(r.regs))
	}
	for fd, reg := range r.regs {
		reg.valid = false
		err = multierr.Append(err, unix.Close(fd))
	}
	r.regs = nil

	r.wakeMu.Lock()
	r.wakeClosed = true
	err = multierr.Append(err, unix.Close(r.wakefd))
	r.wakeMu.Unlock()
	err = multierr.Append(err, unix.Close(r.epfd))
	if err != nil {
		r.log.Warnf("reactor: close: %v", err)
	}
	if r.timers.len() > 0 {
		r.log.Debugf("reactor: %d timers dropped on close", r.timers.len())
	}
	// the thread goes back to the scheduler once run returns
	r.tid.Store(0)
	close(r.done)
}

// Registration is a descriptor registered with the reactor. Its methods
// must be called on the loop goroutine.
type Registration struct {
	r        *Reactor
	fd       int
	id       uint32
	cb       Callback
	interest Interest
	inEpoll  bool
	valid    bool
}

// Fd returns the registered descriptor.
func (reg *Registration) Fd() int {
	return reg.fd
}

// Interest returns the current interest set.
func (reg *Registration) Interest() Interest {
	return reg.interest
}

// Valid reports whether the registration has not been cancelled.
func (reg *Registration) Valid() bool {
	return reg.valid
}

// SetInterest replaces the interest set. An empty set removes the
// descriptor from epoll so hangups are not reported while idle.
func (reg *Registration) SetInterest(interest Interest) error {
	if !reg.valid {
		return api.ErrClosed
	}
	interest &= Read | Write
	if interest == reg.interest && (reg.inEpoll || interest == 0) {
		return nil
	}
	r := reg.r
	if interest == 0 {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
		reg.inEpoll = false
		reg.interest = 0
		return nil
	}
	ev := unix.EpollEvent{Fd: int32(reg.fd), Pad: int32(reg.id)}
	if interest&Read != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	ctl := unix.EPOLL_CTL_MOD
	if !reg.inEpoll {
		ctl = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(r.epfd, ctl, reg.fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	reg.inEpoll = true
	reg.interest = interest
	return nil
}

// Enable adds interest bits.
func (reg *Registration) Enable(interest Interest) error {
	return reg.SetInterest(reg.interest | interest)
}

// Disable removes interest bits.
func (reg *Registration) Disable(interest Interest) error {
	return reg.SetInterest(reg.interest &^ interest)
}

// Cancel removes the descriptor from the reactor without closing it.
func (reg *Registration) Cancel() {
	if !reg.valid {
		return
	}
	reg.valid = false
	r := reg.r
	if reg.inEpoll {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil {
			r.log.Debugf("reactor: epoll ctl del fd %d: %v", reg.fd, err)
		}
		reg.inEpoll = false
	}
	if cur, ok := r.regs[reg.fd]; ok && cur == reg {
		delete(r.regs, reg.fd)
	}
}
