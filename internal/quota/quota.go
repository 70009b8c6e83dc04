// Package quota tracks the process-wide GPU budget for ASR inference.
//
// The tracker holds three pieces of state, all updated with atomics so that
// concurrent pipeline runs never block on it:
//
//   - the number of GPU leases in flight, bounded by a capacity;
//   - GPU time consumed in the current accounting window, bounded by a budget;
//   - an exhausted-until instant set when a backend reports exhaustion.
//
// [Tracker.Acquire] hands out a [Lease] for the requested device. When the GPU
// cannot be used the lease is downgraded to CPU and carries a user-facing
// warning. GPU exhaustion is never an error.
package quota

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/recitalign/pkg/types"
)

// Config bounds GPU usage. Zero values disable the corresponding limit.
type Config struct {
	// Capacity is the maximum number of concurrent GPU leases.
	Capacity int `yaml:"capacity"`

	// Budget is the GPU time allowed per Window.
	Budget time.Duration `yaml:"budget"`

	// Window is the length of the accounting window. Defaults to 24h when a
	// Budget is set.
	Window time.Duration `yaml:"window"`
}

// Option is a functional option for configuring a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg Config
	now func() time.Time

	inFlight       atomic.Int64
	usedNanos      atomic.Int64
	windowStart    atomic.Int64
	exhaustedUntil atomic.Int64
	fallbacks      atomic.Int64
}

// New returns a Tracker with the given limits.
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.Budget > 0 && cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	t := &Tracker{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.windowStart.Store(t.now().UnixNano())
	return t
}

// Lease is a claim on a device for one ASR run. Device may differ from the
// requested device; Warning is non-empty exactly when it was downgraded.
type Lease struct {
	Device  types.Device
	Warning string

	t     *Tracker
	start time.Time
	once  sync.Once
}

// Acquire returns a lease for device. CPU requests are always granted as is.
// GPU requests fall back to CPU when the quota is exhausted or all GPU slots
// are taken.
func (t *Tracker) Acquire(device types.Device) *Lease {
	if device != types.DeviceGPU {
		return &Lease{Device: device}
	}
	if exhausted, resetIn := t.status(); exhausted {
		t.fallbacks.Add(1)
		return &Lease{Device: types.DeviceCPU, Warning: Warning(resetIn)}
	}
	if c := int64(t.cfg.Capacity); c > 0 {
		if t.inFlight.Add(1) > c {
			t.inFlight.Add(-1)
			t.fallbacks.Add(1)
			return &Lease{Device: types.DeviceCPU, Warning: BusyWarning}
		}
	} else {
		t.inFlight.Add(1)
	}
	return &Lease{Device: types.DeviceGPU, t: t, start: t.now()}
}

// Downgrade switches a GPU lease to CPU after the backend reported quota
// exhaustion mid-run, charging the GPU time used so far. resetIn of 0 means
// the reset time is unknown.
func (l *Lease) Downgrade(resetIn time.Duration) {
	if l.Device != types.DeviceGPU {
		return
	}
	l.Release()
	if l.t != nil {
		l.t.MarkExhausted(resetIn)
	}
	l.Device = types.DeviceCPU
	l.Warning = Warning(resetIn)
}

// Release returns the GPU slot and charges the elapsed time to the budget.
// Calling Release more than once, or on a CPU lease, is a no-op.
func (l *Lease) Release() {
	if l.t == nil {
		return
	}
	l.once.Do(func() {
		l.t.inFlight.Add(-1)
		l.t.rollWindow()
		l.t.usedNanos.Add(int64(l.t.now().Sub(l.start)))
	})
}

// MarkExhausted records that a backend reported the GPU quota as used up.
// With resetIn of 0 the tracker stays exhausted until the end of the current
// window, or for one hour when no budget window is configured.
func (t *Tracker) MarkExhausted(resetIn time.Duration) {
	t.fallbacks.Add(1)
	if resetIn <= 0 {
		resetIn = time.Hour
		if t.cfg.Window > 0 {
			resetIn = time.Unix(0, t.windowStart.Load()).Add(t.cfg.Window).Sub(t.now())
		}
	}
	until := t.now().Add(resetIn).UnixNano()
	for {
		cur := t.exhaustedUntil.Load()
		if cur >= until || t.exhaustedUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

// Exhausted reports whether GPU requests are currently downgraded, and the
// time until that changes.
func (t *Tracker) Exhausted() (bool, time.Duration) {
	return t.status()
}

// InFlight returns the number of GPU leases not yet released.
func (t *Tracker) InFlight() int64 { return t.inFlight.Load() }

// Used returns the GPU time charged in the current window.
func (t *Tracker) Used() time.Duration {
	t.rollWindow()
	return time.Duration(t.usedNanos.Load())
}

// Fallbacks returns the number of GPU requests served on CPU so far.
func (t *Tracker) Fallbacks() int64 { return t.fallbacks.Load() }

func (t *Tracker) status() (bool, time.Duration) {
	now := t.now()
	if until := t.exhaustedUntil.Load(); until > now.UnixNano() {
		return true, time.Duration(until - now.UnixNano())
	}
	if t.cfg.Budget <= 0 {
		return false, 0
	}
	t.rollWindow()
	if time.Duration(t.usedNanos.Load()) >= t.cfg.Budget {
		end := time.Unix(0, t.windowStart.Load()).Add(t.cfg.Window)
		return true, end.Sub(now)
	}
	return false, 0
}

// rollWindow starts a new accounting window once the current one is over.
func (t *Tracker) rollWindow() {
	if t.cfg.Window <= 0 {
		return
	}
	now := t.now().UnixNano()
	start := t.windowStart.Load()
	if now-start < int64(t.cfg.Window) {
		return
	}
	if t.windowStart.CompareAndSwap(start, now) {
		t.usedNanos.Store(0)
	}
}

// BusyWarning is attached to leases downgraded because every GPU slot was
// taken.
const BusyWarning = "GPU busy — processed on CPU (slower)."

// Warning returns the user-facing message for a quota downgrade.
func Warning(resetIn time.Duration) string {
	msg := "GPU quota reached — processed on CPU (slower)."
	if resetIn > 0 {
		msg += " Resets in " + FormatReset(resetIn) + "."
	}
	return msg
}

// FormatReset renders d as H:MM:SS, rounding up to the next second.
func FormatReset(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
