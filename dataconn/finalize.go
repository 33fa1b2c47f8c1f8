package dataconn

import (
	"errors"
	"time"
)

// pollUntil checks cond up to RetryCount times, MinimalDelay apart.
func (c *Control) pollUntil(cond func() bool) bool {
	for i := 0; i < c.cfg.RetryCount; i++ {
		if cond() {
			return true
		}
		time.Sleep(c.cfg.MinimalDelay)
	}
	return cond()
}

// checkEndOfTransfer decides whether the transfer expect (or the current one
// when expect is nil) ends by a close or an abort, then finalizes it. Only the
// call that moves the control from executing to finalizing has an effect.
func (c *Control) checkEndOfTransfer(expect *Transfer) {
	c.pollUntil(func() bool { return c.State() != StateIdle })
	c.pollUntil(func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ready || c.state != StateExecuting
	})

	c.mu.Lock()
	if c.state != StateExecuting || (expect != nil && c.current != expect) {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("end of transfer already handled", "state", state)
		return
	}
	c.state = StateFinalizing
	t, ready := c.current, c.ready
	c.mu.Unlock()

	if !ready {
		c.logger.Warn("end of transfer without a ready data connection", "transfer", t)
		c.abortTransfer(t)
		return
	}
	c.logger.Debug("end of transfer", "transfer", t)

	switch t.Kind() {
	case KindList:
		if t.Status() {
			c.closeTransfer(t)
			return
		}
		c.logger.Info("listing not completed", "transfer", t)
		c.abortTransfer(t)
	case KindRetrieve:
		f, err := t.File()
		if err != nil {
			c.logger.Info("retrieve without file", "transfer", t)
			c.abortTransfer(t)
			return
		}
		reading, err := f.IsInReading()
		switch {
		case err != nil:
			c.logger.Warn("retrieve reading state unknown", "transfer", t, "error", err)
			c.closeTransfer(t)
		case reading:
			c.logger.Info("retrieve file still in reading", "transfer", t)
			c.abortTransfer(t)
		default:
			c.closeTransfer(t)
		}
	case KindStore:
		c.closeTransfer(t)
	default:
		c.logger.Warn("end of unknown transfer", "transfer", t)
		c.abortTransfer(t)
	}
}

func (c *Control) closeTransfer(t *Transfer) {
	if f, err := t.File(); err == nil {
		if err := f.CloseFile(); err != nil {
			c.logger.Warn("closing file", "transfer", t, "error", err)
		}
	}
	t.SetStatus(true)
	if c.dc.IsStreamFile() {
		c.endDataConnection()
	}
	c.replier.SetReply(226, "Transfer complete for "+t.String())
	if t.Kind() == KindList {
		time.Sleep(c.cfg.ListDelay)
	} else {
		c.runHook(t)
	}
	c.finalizeExecution()
}

// abortTransfer ends t, which may be nil when no transfer was scheduled.
func (c *Control) abortTransfer(t *Transfer) {
	desc := "Unknown command"
	if t != nil {
		desc = t.String()
		if f, err := t.File(); err == nil {
			if err := f.AbortFile(); err != nil {
				c.logger.Warn("aborting file", "transfer", t, "error", err)
			}
		}
		t.SetStatus(false)
	}
	c.endDataConnection()
	c.replier.SetReply(426, "Transfer aborted for "+desc)
	if t != nil && t.Kind() != KindList {
		c.runHook(t)
	}
	c.finalizeExecution()
}

func (c *Control) runHook(t *Transfer) {
	if c.hook == nil {
		return
	}
	err := c.hook.AfterTransferDoneBeforeAnswer(t)
	if err == nil {
		return
	}
	var re *ReplyError
	if errors.As(err, &re) {
		c.replier.SetReply(re.Code, re.Msg)
		return
	}
	c.replier.SetReply(451, err.Error())
}

// endDataConnection closes the live channel and releases what the data side
// holds in the shared registries.
func (c *Control) endDataConnection() error {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.ready = false
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
		c.dc.dropChannel(ch)
	}
	c.releaseActive()
	if c.dc.IsPassiveMode() {
		c.dc.UnbindPassive()
	}
	return err
}

// finalizeExecution returns the control to idle and wakes Wait.
func (c *Control) finalizeExecution() {
	c.mu.Lock()
	finishing := c.finishing
	c.state = StateIdle
	c.current = nil
	c.ready = false
	ch := c.channel
	c.mu.Unlock()

	if ch != nil && ch.IsOpen() && !c.dc.IsStreamFile() {
		ch.Pause()
	}
	c.resetWaitForOpenedDataChannel()
	if finishing != nil {
		finishing.succeed()
	}
}
