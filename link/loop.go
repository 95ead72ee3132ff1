package link

import (
	"context"
	"time"
)

// timeoutFor returns how long the machine may stay in s; zero means forever.
func (m *Machine) timeoutFor(s State) time.Duration {
	switch s {
	case StateConnecting:
		return m.cfg.ConnectTimeout
	case StateDiscoveringServices, StateDiscoveringCharacteristics, StateSubscribing:
		return m.cfg.DiscoveryTimeout
	case StateDisconnecting:
		return m.cfg.DisconnectTimeout
	default:
		return 0
	}
}

// Run feeds events to Handle one at a time until ctx is done or events is
// closed, arming a timer for every state entry that has a timeout.
func (m *Machine) Run(ctx context.Context, events <-chan Event) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending Timeout
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	arm := func() {
		stop()
		d := m.timeoutFor(m.state)
		if d <= 0 || m.peer == nil {
			return
		}
		pending = Timeout{Peer: m.peer.ID, State: m.state, Epoch: m.epoch, Elapsed: d}
		timer = time.NewTimer(d)
		timerC = timer.C
	}
	defer stop()

	armed := m.epoch
	arm()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Handle(ev)
		case <-timerC:
			timer, timerC = nil, nil
			m.Handle(pending)
		}
		if m.epoch != armed {
			armed = m.epoch
			arm()
		}
	}
}
