// Package acklabel keeps the claim of a connection on its acknowledgement
// labels.
//
// A [Declarer] holds no timers and talks to no registry. Every input returns
// the effects the caller must perform, in order. The caller feeds the
// outcome of each [Declare] effect back through [Declarer.Succeeded] or
// [Declarer.Conflicted].
package acklabel

import "github.com/raujonas/ditto/connection"

// Effect is an instruction returned by a [Declarer].
type Effect interface {
	isEffect()
}

// Relinquish removes every label declaration of the connection.
type Relinquish struct{}

// StartTimer starts the fixed-delay retry timer. Each tick is fed back
// through [Declarer.Tick].
type StartTimer struct{}

// CancelTimer cancels the retry timer.
type CancelTimer struct{}

// Declare asks the registry to declare Labels for the connection.
type Declare struct {
	Labels connection.LabelSet
}

func (Relinquish) isEffect()  {}
func (StartTimer) isEffect()  {}
func (CancelTimer) isEffect() {}
func (Declare) isEffect()     {}

// Declarer is the declaration state machine. The zero value has nothing to
// declare and is declared.
type Declarer struct {
	desired     connection.LabelSet
	declaredSet connection.LabelSet
	pending     bool
	timer       bool
}

// Reset replaces the desired label set. It is called after recovery and
// after every change of the connection.
func (d *Declarer) Reset(desired connection.LabelSet) []Effect {
	d.desired = desired
	if len(desired) == 0 {
		d.pending = false
		d.declaredSet = make(connection.LabelSet)
		effects := []Effect{Relinquish{}}
		if d.timer {
			d.timer = false
			effects = append(effects, CancelTimer{})
		}
		return effects
	}

	d.pending = true
	var effects []Effect
	if !d.timer {
		d.timer = true
		effects = append(effects, StartTimer{})
	}
	return append(effects, Declare{Labels: desired})
}

// Tick handles a retry timer tick.
func (d *Declarer) Tick() []Effect {
	if !d.pending || len(d.desired) == 0 {
		return nil
	}
	return []Effect{Declare{Labels: d.desired}}
}

// Succeeded handles a successful declaration of labels. Outcomes for a set
// that is no longer desired are ignored; the running timer declares the
// current set.
func (d *Declarer) Succeeded(labels connection.LabelSet) []Effect {
	if !d.pending || !labels.Equal(d.desired) {
		return nil
	}
	d.pending = false
	d.declaredSet = labels
	if !d.timer {
		return nil
	}
	d.timer = false
	return []Effect{CancelTimer{}}
}

// Conflicted handles a declaration rejected because another connection
// holds one of the labels. The timer keeps running.
func (d *Declarer) Conflicted(connection.LabelSet) []Effect {
	return nil
}

// Stop cancels the timer and relinquishes every label.
func (d *Declarer) Stop() []Effect {
	d.desired = nil
	d.pending = false
	d.declaredSet = make(connection.LabelSet)
	effects := []Effect{Relinquish{}}
	if d.timer {
		d.timer = false
		effects = append(effects, CancelTimer{})
	}
	return effects
}

// Declared reports whether the desired set is declared. An empty desired
// set is always declared.
func (d *Declarer) Declared() bool { return !d.pending }

// DeclaredSet returns the last successfully declared set.
func (d *Declarer) DeclaredSet() connection.LabelSet { return d.declaredSet }

// Desired returns the desired set.
func (d *Declarer) Desired() connection.LabelSet { return d.desired }

// TimerActive reports whether the retry timer should be running.
func (d *Declarer) TimerActive() bool { return d.timer }
