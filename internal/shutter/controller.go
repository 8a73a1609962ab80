package shutter

import "time"

// controller is the command/state machine of one switch. It runs on the
// registry loop only, so it never locks.
type controller struct {
	reg *Registry
	sw  *Switch
}

// handleSet processes a set request from the host platform and returns
// without waiting for the grace delay or any hardware confirmation.
func (c *controller) handleSet(value bool) {
	if !value || c.sw.button == ButtonStop {
		c.stop()
		return
	}
	c.move()
}

func (c *controller) stop() {
	rm := c.sw.remote
	deviceID := rm.config.DeviceID

	c.reg.log.Info("RFY STOP", "device_id", deviceID, "switch_id", c.sw.id)
	c.reg.commander.Stop(deviceID)
	c.reg.metrics.command(deviceID, "stop")

	rm.settle.cancel()
	h := &timerHandle{}
	h.timer = c.reg.clock.AfterFunc(c.reg.stopGrace, func() {
		c.reg.post(func() {
			if rm.settle != h {
				return
			}
			rm.settle = nil
			rm.each(func(sw *Switch) {
				sw.autoOff.cancel()
				sw.autoOff = nil
				c.reg.setSwitch(sw, false)
			})
		})
	})
	rm.settle = h
}

func (c *controller) move() {
	rm := c.sw.remote
	deviceID := rm.config.DeviceID

	switch c.sw.button {
	case ButtonUp:
		c.reg.log.Info("RFY UP", "device_id", deviceID)
		c.reg.commander.Up(deviceID)
		c.reg.metrics.command(deviceID, "up")
	case ButtonDown:
		c.reg.log.Info("RFY DOWN", "device_id", deviceID)
		c.reg.commander.Down(deviceID)
		c.reg.metrics.command(deviceID, "down")
	}

	// A move replaces any stop that has not settled yet.
	rm.settle.cancel()
	rm.settle = nil

	rm.each(func(sw *Switch) {
		if sw != c.sw {
			sw.autoOff.cancel()
			sw.autoOff = nil
		}
		c.reg.setSwitch(sw, sw == c.sw)
	})

	c.rescheduleAutoOff(rm.config.TravelTime())
}

// rescheduleAutoOff cancels the pending auto-off of this switch and schedules
// a new one in a single step.
func (c *controller) rescheduleAutoOff(d time.Duration) {
	sw := c.sw
	sw.autoOff.cancel()

	h := &timerHandle{}
	h.timer = c.reg.clock.AfterFunc(d, func() {
		c.reg.post(func() {
			if sw.autoOff != h {
				return
			}
			sw.autoOff = nil
			c.reg.setSwitch(sw, false)
		})
	})
	sw.autoOff = h
}

// setSwitch is the only place a switch state changes. It refreshes the
// displayed value but never sends a command.
func (r *Registry) setSwitch(sw *Switch, on bool) {
	r.log.Debug("updating switch", "switch_id", sw.id, "on", on)
	sw.isOn = on
	r.metrics.switchState(sw.id, on)
	if err := r.presenter.RefreshSwitch(sw.id, on); err != nil {
		r.log.Error("refresh switch", "switch_id", sw.id, "error", err)
	}
}
