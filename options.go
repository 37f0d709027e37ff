// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Default configuration values.
const (
	DefaultBagCapacity    = 128
	DefaultIntakeCapacity = 1024
	DefaultStallThreshold = time.Second
)

// Options configures domain creation.
type Options struct {
	// Fixed size of the participant (or reader) table
	capacity int

	// Name used as the "domain" label in logs and metrics
	name string

	// Per-participant retired bag capacity (rounds up to next power of 2)
	bagCapacity int

	// Lock-free CallRCU intake capacity (rounds up to next power of 2)
	intakeCapacity int

	// Stall watchdog
	stallThreshold time.Duration
	onStall        func(StallEvent)

	// Ambient collaborators
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// Builder creates domains with fluent configuration.
//
// Example:
//
//	// Epoch domain for a lock-free routing table, one slot per core
//	ed := reclaim.New(runtime.GOMAXPROCS(0)).Name("routes").BuildEpoch()
//
//	// RCU domain with diagnostics and metrics
//	rd := reclaim.New(64).
//	    Name("config").
//	    StallThreshold(500 * time.Millisecond).
//	    Logger(logger).
//	    Registerer(prometheus.DefaultRegisterer).
//	    BuildRcu()
type Builder struct {
	opts Options
}

// New creates a domain builder whose participant table holds capacity slots.
//
// The table never grows: Register returns ErrTooManyParticipants once all
// slots are taken. Size it for the number of cores or long-lived
// goroutines that will pin.
//
// Panics if capacity < 1.
func New(capacity int) *Builder {
	if capacity < 1 {
		panic("reclaim: capacity must be >= 1")
	}
	return &Builder{opts: Options{
		capacity:       capacity,
		name:           "default",
		bagCapacity:    DefaultBagCapacity,
		intakeCapacity: DefaultIntakeCapacity,
		stallThreshold: DefaultStallThreshold,
	}}
}

// Name sets the domain name reported in logs and the "domain" metric label.
func (b *Builder) Name(name string) *Builder {
	b.opts.name = name
	return b
}

// BagCapacity sets the capacity of each participant's lock-free retired bag.
// Retires beyond it spill to the domain's shared list.
//
// Panics if n < 2.
func (b *Builder) BagCapacity(n int) *Builder {
	if n < 2 {
		panic("reclaim: bag capacity must be >= 2")
	}
	b.opts.bagCapacity = n
	return b
}

// IntakeCapacity sets the capacity of the lock-free CallRCU intake queue.
// Callbacks beyond it spill to a locked list.
//
// Panics if n < 2.
func (b *Builder) IntakeCapacity(n int) *Builder {
	if n < 2 {
		panic("reclaim: intake capacity must be >= 2")
	}
	b.opts.intakeCapacity = n
	return b
}

// StallThreshold sets how long reclamation may be held back by a single
// participant or reader before a StallEvent is emitted. Zero disables the
// watchdog.
func (b *Builder) StallThreshold(d time.Duration) *Builder {
	b.opts.stallThreshold = d
	return b
}

// OnStall registers a callback invoked once per detected stall.
// The callback runs on the goroutine driving TryAdvance, Tick or
// Synchronize and must not pin or enter a read-side section.
func (b *Builder) OnStall(fn func(StallEvent)) *Builder {
	b.opts.onStall = fn
	return b
}

// Logger sets the structured logger. The default discards everything.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.opts.logger = l
	return b
}

// Registerer registers the domain's metrics with r when the domain is built.
// Registration failures are logged and otherwise ignored.
func (b *Builder) Registerer(r prometheus.Registerer) *Builder {
	b.opts.registerer = r
	return b
}

// BuildEpoch creates an EpochDomain from the builder configuration.
func (b *Builder) BuildEpoch() *EpochDomain {
	return newEpochDomain(b.opts)
}

// BuildRcu creates an RcuDomain from the builder configuration.
func (b *Builder) BuildRcu() *RcuDomain {
	return newRcuDomain(b.opts)
}

func (o *Options) log() *zap.Logger {
	if o.logger == nil {
		return zap.NewNop()
	}
	return o.logger
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte
