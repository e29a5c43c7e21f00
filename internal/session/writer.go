package session

import (
	"context"
	"errors"

	"github.com/srg/keytap/internal/device"
)

// encodeToken converts the identity token to its wire form: the raw UTF-8
// bytes in a single write, without framing or a length prefix.
func encodeToken(token string) []byte {
	return []byte(token)
}

// beginWrite moves from Connected to Opening and writes the token with
// response requested.
func (m *Machine) beginWrite() {
	epoch := m.epoch
	peer := m.handle.peer
	data := encodeToken(m.token)

	ctx, cancel := m.clock.WithTimeout(context.Background(), m.opts.WriteTimeout)
	m.writeCancel = cancel

	m.logf("Writing token to characteristic %s", device.ShortenUUID(device.NormalizeUUID(m.opts.CharacteristicUUID)))
	m.transition(State{Phase: Opening})

	m.workers.Go(ctx, "keytap-write", func(ctx context.Context) {
		err := peer.WriteCharacteristic(ctx, m.opts.ServiceUUID, m.opts.CharacteristicUUID, data)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		m.post(context.Background(), func() { m.onWriteResult(epoch, peer, err) })
	})
}

func (m *Machine) onWriteResult(epoch uint64, peer device.Peer, err error) {
	if epoch != m.epoch || m.state.Phase != Opening || m.handle == nil || m.handle.peer != peer {
		return
	}
	if m.writeCancel != nil {
		m.writeCancel()
		m.writeCancel = nil
	}

	if err != nil {
		select {
		case <-peer.Disconnected():
			// the write failed because the link went away
			m.logf("Connection to %s lost during token write", m.handle.DisplayName())
			m.onLinkFailure(err)
			return
		default:
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = device.ErrTimeout
		}
		m.logf("Token write to %s failed: %v", m.handle.DisplayName(), err)
		m.releaseLink()
		m.setHandle(nil)
		m.fail(WriteFailed, err)
		return
	}

	m.settleTimer = m.after(m.opts.SettleDelay, m.onSettleElapsed)
	m.logf("Token write acknowledged by %s", m.handle.DisplayName())
	m.transition(State{Phase: Success})
}

// onSettleElapsed performs the intentional post-success disconnect with
// auto-reconnect suppressed.
func (m *Machine) onSettleElapsed() {
	if m.state.Phase != Success || m.handle == nil || m.handle.peer == nil {
		return
	}
	m.settleTimer = nil
	m.teardown = true
	m.autoReconnect.Store(false)

	epoch := m.epoch
	peer := m.handle.peer
	m.logf("Disconnecting from %s", m.handle.DisplayName())

	m.workers.Go(context.Background(), "keytap-disconnect", func(ctx context.Context) {
		if err := peer.Disconnect(); err != nil {
			m.logger.WithField("error", err).Warn("Intentional disconnect reported an error")
			// the link watcher may never fire; finish the teardown here
			m.post(ctx, func() {
				if epoch == m.epoch && m.teardown {
					m.completeTeardown()
				}
			})
		}
	})
}

// completeTeardown finishes the post-success disconnect and returns to Idle.
func (m *Machine) completeTeardown() {
	name := m.handle.DisplayName()
	stopTimer(&m.settleTimer)
	m.releaseLink()
	m.setHandle(nil)
	m.teardown = false
	m.autoReconnect.Store(true)

	m.logf("Disconnected from %s", name)
	m.transition(State{Phase: Idle})
}
