package scheduler

// Option configures a Scheduler at construction time, following the
// functional-options style used throughout the example this package is
// grounded on.
type Option func(*config)

type config struct {
	useCaller bool
	name      string
	notify    func()
	isStopped func() bool
	idleBody  func(*Scheduler)
}

// WithCallerThread recruits the goroutine that calls New into the worker
// pool, as a caller-hosted dispatch coroutine reached via Scheduler.Call.
func WithCallerThread() Option {
	return func(c *config) { c.useCaller = true }
}

// WithName sets a diagnostic name for the scheduler, used in log output.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithNotify overrides the hook invoked to wake idle workers. The default
// implementation relies on idleBody's own polling and does nothing.
func WithNotify(fn func()) Option {
	return func(c *config) { c.notify = fn }
}

// WithIsStoppedHook overrides the extra condition ANDed onto the scheduler's
// own core stopped check (autoStop && !running && queue empty && no active
// workers). Used by iomanager to additionally require PendingEvents() == 0.
func WithIsStoppedHook(fn func() bool) Option {
	return func(c *config) { c.isStopped = fn }
}

// WithIdleBody overrides the body run by a plain worker when it finds the
// FIFO empty. The default sleeps briefly to avoid spinning; iomanager
// overrides this with an epoll_wait-based poll.
func WithIdleBody(fn func(*Scheduler)) Option {
	return func(c *config) { c.idleBody = fn }
}
