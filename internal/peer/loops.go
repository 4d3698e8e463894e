package peer

import (
	"context"
	"time"

	"github.com/rvdmeulen/huddle/internal/util"
)

// heartbeatLoop keeps the tracker's directory entry fresh and refreshes
// the online-user set used to skip offline members during fan-out.
func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(util.SecondsDuration(n.cfg.HeartbeatSec))
	defer ticker.Stop()

	n.heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeat()
		}
	}
}

func (n *Node) heartbeat() {
	if err := n.tracker.Heartbeat(n.token, n.port, n.hostingChannels()); err != nil {
		log.Warnf("heartbeat: %v", err)
		return
	}
	users, err := n.tracker.OnlineUsers(n.token)
	if err != nil {
		log.Debugf("refresh online users: %v", err)
		return
	}
	online := make(map[string]struct{}, len(users))
	for _, u := range users {
		online[u] = struct{}{}
	}
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
}

// syncLoop periodically drains the outbox: sync entries (tracker backups
// of hosted-channel messages) go up in per-channel batches; offline
// entries are re-attempted through the normal delivery precedence.
func (n *Node) syncLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(util.SecondsDuration(n.cfg.SyncIntervalSec))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.drainSyncQueue()
			n.drainOfflineCache()
		}
	}
}

func (n *Node) drainSyncQueue() {
	entries, err := n.outbox.DequeueBatch(OutboxSync, n.cfg.SyncBatch)
	if err != nil {
		log.Warnf("drain sync queue: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	for channel, group := range GroupByChannel(entries) {
		synced, err := n.tracker.SyncData(n.token, channel, EntryMessages(group))
		if err != nil {
			log.Warnf("sync %d messages for %s: %v", len(group), channel, err)
			if err := n.outbox.Requeue(group); err != nil {
				log.Errorf("requeue for %s: %v", channel, err)
			}
			continue
		}
		log.Debugf("synced %s: %d sent, %d new at tracker", channel, len(group), synced)
	}
}

// drainOfflineCache retries cached messages that had no delivery path
// when they were written. Each goes back through the full precedence;
// still-undeliverable ones return to the cache.
func (n *Node) drainOfflineCache() {
	entries, err := n.outbox.DequeueBatch(OutboxOffline, n.cfg.SyncBatch)
	if err != nil {
		log.Warnf("drain offline cache: %v", err)
		return
	}
	for _, e := range entries {
		deferred, err := n.Send(e.Msg.Channel, e.Msg.Content)
		if err != nil {
			// A hard rejection will not clear on retry; drop it.
			log.Warnf("cached message for %s rejected: %v", e.Msg.Channel, err)
			continue
		}
		if deferred {
			// Send re-enqueued it already.
			continue
		}
		log.Infof("delivered cached message for %s", e.Msg.Channel)
	}
}

// flushOfflineTo pushes this channel's offline-cached messages over a
// freshly opened host connection.
func (n *Node) flushOfflineTo(channel string, conn *hostConn) {
	entries, err := n.outbox.DequeueBatch(OutboxOffline, 0)
	if err != nil {
		log.Warnf("flush offline cache: %v", err)
		return
	}
	var mine, rest []OutboxEntry
	for _, e := range entries {
		if e.Msg.Channel == channel {
			mine = append(mine, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(rest) > 0 {
		if err := n.outbox.Requeue(rest); err != nil {
			log.Errorf("requeue offline cache: %v", err)
		}
	}
	if len(mine) == 0 {
		return
	}
	synced, err := conn.pushSync(EntryMessages(mine))
	if err != nil {
		log.Warnf("push %d cached messages to host of %s: %v", len(mine), channel, err)
		if err := n.outbox.Requeue(mine); err != nil {
			log.Errorf("requeue offline cache for %s: %v", channel, err)
		}
		return
	}
	log.Infof("flushed %d cached messages to host of %s (%d new)", len(mine), channel, synced)
}

// statusLoop reconciles joined channels against the tracker's host
// directory: a vanished host demotes the channel to tracker-mediated
// sync, a returned host triggers a reconnect and cache flush.
func (n *Node) statusLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(util.SecondsDuration(n.cfg.StatusIntervalSec))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.reconcileHosts()
		}
	}
}

func (n *Node) reconcileHosts() {
	n.mu.RLock()
	channels := make([]string, 0, len(n.caches))
	for name := range n.caches {
		channels = append(channels, name)
	}
	n.mu.RUnlock()

	for _, channel := range channels {
		if n.IsHosting(channel) {
			continue
		}
		_, err := n.tracker.ChannelHostPeer(n.token, channel)

		n.mu.RLock()
		conn := n.joined[channel]
		n.mu.RUnlock()

		switch {
		case err != nil && conn != nil:
			// Host lapsed from the directory; drop the dead connection
			// and fall back to the tracker.
			log.Infof("host of %s gone, falling back to tracker sync", channel)
			n.dropConn(channel, conn)
			n.setState(channel, StateSyncingViaTracker)

		case err != nil:
			n.setState(channel, StateSyncingViaTracker)

		case conn == nil:
			// A host is listed and we are not connected: reconnect,
			// which also flushes the offline cache and backfills.
			if err := n.connectToHost(channel); err != nil {
				log.Debugf("reconnect to host of %s: %v", channel, err)
			}
		}
	}

	for _, channel := range n.hostingChannels() {
		n.backstopHosted(channel)
	}
}

// backstopHosted pushes a hosted channel's unsynced tail to the tracker.
// The outbox drain usually gets there first; this catches enqueue
// failures and backlog beyond one drain batch. The tracker's content
// dedup makes the push idempotent.
func (n *Node) backstopHosted(channel string) {
	n.mu.RLock()
	hc := n.hosted[channel]
	n.mu.RUnlock()
	if hc == nil {
		return
	}
	tail := hc.unsynced()
	if len(tail) == 0 {
		return
	}
	synced, err := n.tracker.SyncData(n.token, channel, tail)
	if err != nil {
		log.Debugf("backstop sync for %s: %v", channel, err)
		return
	}
	hc.markSynced(tail[len(tail)-1].ID)
	if synced > 0 {
		log.Infof("backed up %d messages for %s via tracker", synced, channel)
	}
}
