package lattice

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Physics is the simulation engine boundary. Recalculate reads the current
// setpoints from the lattice and writes derived readings back through
// SetReading. The bundled implementation is the first-order model in
// linear.go; a full tracking engine plugs in here.
type Physics interface {
	Recalculate(lat *Static) error
}

// Engine drives the physics asynchronously. Setpoint writes mark the machine
// dirty; the worker coalesces however many writes arrive while a
// recalculation is in flight into a single follow-up pass, then fires the
// update callback so the PV layer can refresh its readbacks.
type Engine struct {
	lat      *Static
	physics  Physics
	onUpdate func()
	dirty    chan struct{}
}

// NewEngine wires the engine to lat's change notifications. onUpdate may be
// nil until Start is called; see SetOnUpdate.
func NewEngine(lat *Static, physics Physics, onUpdate func()) *Engine {
	e := &Engine{
		lat:      lat,
		physics:  physics,
		onUpdate: onUpdate,
		dirty:    make(chan struct{}, 1),
	}
	lat.SetOnChange(e.markDirty)
	return e
}

// SetOnUpdate installs the post-recalculation callback. The server is built
// after the lattice, so the callback typically arrives late.
func (e *Engine) SetOnUpdate(fn func()) {
	e.onUpdate = fn
}

func (e *Engine) markDirty() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

// RecalcOnce runs a single synchronous recalculation and update pass.
func (e *Engine) RecalcOnce() error {
	start := time.Now()
	if err := e.physics.Recalculate(e.lat); err != nil {
		return err
	}
	logrus.Debugf("recalculation finished in %s", time.Since(start))
	if e.onUpdate != nil {
		e.onUpdate()
	}
	return nil
}

// Start runs the worker until ctx is cancelled. Recalculation errors are
// logged and the worker keeps serving; a broken optics state must not take
// the IOC down with it.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				logrus.Info("recalculation engine stopped")
				return
			case <-e.dirty:
				if err := e.RecalcOnce(); err != nil {
					logrus.Errorf("recalculation failed: %v", err)
				}
			}
		}
	}()
}
