package txmanager

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	CoordinatorID string        // 协调者实例 id，写入每个 xid
	MaxBranches   int           // 单个全局事务的分支上限
	ForceTwoPhase bool          // 单分支也走两阶段提交
	Timeout       time.Duration // 事务超时，0 表示不限制

	RetryDelay   time.Duration // XA_RETRY 重试间隔
	RetryLimit   int
	RMErrorDelay time.Duration // XAER_RMERR 重试间隔
	RMErrorLimit int

	MonitorTick time.Duration // 周期性恢复间隔，0 表示只在启动时恢复

	Clock      Clock
	Registerer prometheus.Registerer
	CrashHook  func(Failpoint) error
}

type Option func(*Options)

func WithCoordinatorID(id string) Option {
	return func(o *Options) {
		o.CoordinatorID = id
	}
}

func WithMaxBranches(n int) Option {
	return func(o *Options) {
		o.MaxBranches = n
	}
}

// WithForceTwoPhase disables the one-phase optimization.
func WithForceTwoPhase(force bool) Option {
	return func(o *Options) {
		o.ForceTwoPhase = force
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithRetry(delay time.Duration, limit int) Option {
	return func(o *Options) {
		o.RetryDelay = delay
		o.RetryLimit = limit
	}
}

func WithRMErrorRetry(delay time.Duration, limit int) Option {
	return func(o *Options) {
		o.RMErrorDelay = delay
		o.RMErrorLimit = limit
	}
}

func WithMonitorTick(tick time.Duration) Option {
	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithClock(c Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithCrashHook installs a hook called at each Failpoint of commit. A non-nil
// error abandons the transaction on the spot, as if the process died there.
func WithCrashHook(hook func(Failpoint) error) Option {
	return func(o *Options) {
		o.CrashHook = hook
	}
}

func repair(o *Options) {
	if o.CoordinatorID == "" {
		o.CoordinatorID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if o.MaxBranches <= 0 {
		o.MaxBranches = 20
	}
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = 30
	}
	if o.RMErrorDelay <= 0 {
		o.RMErrorDelay = 5 * time.Second
	}
	if o.RMErrorLimit <= 0 {
		o.RMErrorLimit = 20
	}
	if o.MonitorTick < 0 {
		o.MonitorTick = 0
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
}
