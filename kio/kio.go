// Package kio is the kernel's console/log sink. It mirrors the teacher's
// bare fmt.Printf-at-the-call-site style for the hot path (interrupt
// context, the page-fault path, the PMM free-list) where allocation and
// locking beyond an IRQ spinlock are forbidden, and layers zap on top for
// subsystem init/teardown and state-transition logging, which is never
// called from interrupt context.
package kio

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Console is the raw, allocation-light sink used by code paths that may
// run with interrupts disabled or inside an ISR. It never buffers, never
// uses the structured logger, and never blocks on anything but the
// underlying writer.
var Console io.Writer = os.Stdout

// Printk writes a single, unstructured line the way the teacher's
// fmt.Printf call sites do. Safe to call from interrupt context and from
// any code holding an IRQ spinlock.
func Printk(format string, args ...interface{}) {
	fmt.Fprintf(Console, format, args...)
}

var level = zap.NewAtomicLevel()

func newLogger() *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level)
	return zap.New(core)
}

// Log is the structured subsystem logger. Boot, scheduler, and VFS mount
// events go through here; it is never reached from interrupt context.
var Log = newLogger().Sugar()

// Sub returns a logger tagged with the given subsystem name, the way each
// kernel component announces itself during boot.
func Sub(name string) *zap.SugaredLogger {
	return Log.With("subsys", name)
}

// SetLevel adjusts the global structured-log verbosity. Nothing in this
// module calls it; the level stays at its initial value unless a caller
// changes it.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}
