package session

import (
	"sync"
	"time"
)

// watchdog enforces the per-session duration limit. It warns once when the
// limit is warnBefore away and fires onExpire once when it is reached. Stop
// cancels both timers; a stopped watchdog never fires.
type watchdog struct {
	warnTimer   *time.Timer
	expireTimer *time.Timer
	stopOnce    sync.Once
}

func startWatchdog(max, warnBefore time.Duration, onWarn func(remaining time.Duration), onExpire func()) *watchdog {
	w := &watchdog{}
	if warnBefore > 0 && warnBefore < max && onWarn != nil {
		remaining := warnBefore
		w.warnTimer = time.AfterFunc(max-warnBefore, func() { onWarn(remaining) })
	}
	w.expireTimer = time.AfterFunc(max, onExpire)
	return w
}

func (w *watchdog) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		if w.warnTimer != nil {
			w.warnTimer.Stop()
		}
		w.expireTimer.Stop()
	})
}
