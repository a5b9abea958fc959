package vm

// Callback is an interrupt hook. Hooks run at backward branches, at every
// call and after every 1<<shift dispatched instructions. A hook may throw,
// which is how evaluation is cancelled from outside.
type Callback struct {
	fn      func(i *Interpreter)
	removed bool
}

// AddCallback registers fn as an interrupt hook.
func (i *Interpreter) AddCallback(fn func(i *Interpreter)) *Callback {
	c := &Callback{fn: fn}
	i.callbacks = append(i.callbacks, c)
	return c
}

// RemoveCallback unregisters c. It is safe to call from inside a hook.
func (i *Interpreter) RemoveCallback(c *Callback) {
	c.removed = true
	for k, cb := range i.callbacks {
		if cb == c {
			i.callbacks = append(i.callbacks[:k:k], i.callbacks[k+1:]...)
			return
		}
	}
}

// checkThreads runs the interrupt hooks.
func (i *Interpreter) checkThreads() {
	if len(i.callbacks) == 0 {
		return
	}
	for _, c := range i.callbacks {
		if !c.removed {
			c.fn(i)
		}
	}
}
