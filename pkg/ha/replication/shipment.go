package replication

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/metrics"
	"golang.org/x/time/rate"
)

// shipment is one queued record plus an optional channel to notify once it
// has been acknowledged, used by Replicate's STRONG/QUORUM wait.
type shipment struct {
	record types.ReplicationRecord
	queued time.Time
	acked  chan struct{}
}

// destQueue is the single-producer-single-consumer FIFO sender for one
// destination node (spec.md §4.4's "Shipment protocol": "each sender
// maintains a FIFO queue per destination").
type destQueue struct {
	m       *Manager
	id      types.NodeId
	addr    string
	queue   chan shipment
	stopCh  chan struct{}
	wg      sync.WaitGroup
	limiter *rate.Limiter

	mu                 sync.Mutex
	lastAckedCounter   uint64
	lastAckedWallClock time.Time
	queueDepth         int
}

func newDestQueue(m *Manager, id types.NodeId, addr string) *destQueue {
	d := &destQueue{
		m:      m,
		id:     id,
		addr:   addr,
		queue:  make(chan shipment, m.cfg.QueueDepth),
		stopCh: make(chan struct{}),
	}
	if m.cfg.ShipmentRateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(m.cfg.ShipmentRateLimit), m.cfg.ShipmentBurst)
	}
	return d
}

func (d *destQueue) start() {
	d.wg.Add(1)
	go d.sendLoop()
}

func (d *destQueue) stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// enqueue adds record to the FIFO, blocking up to BackpressureTimeout if
// full (spec.md §5's back-pressure rule). acked, if non-nil, receives one
// value (non-blocking send) when the record is acknowledged; nothing is sent
// when the shipment is dropped or its retries are exhausted.
func (d *destQueue) enqueue(record types.ReplicationRecord, acked chan struct{}) {
	s := shipment{record: record, queued: d.m.clock.Now(), acked: acked}
	select {
	case d.queue <- s:
		d.mu.Lock()
		d.queueDepth++
		d.mu.Unlock()
	case <-time.After(d.m.cfg.BackpressureTimeout):
		d.m.logger.Warn().Str("dest", string(d.id)).Msg("replication: destination queue overloaded, dropping shipment")
	case <-d.stopCh:
	}
}

func (d *destQueue) sendLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case s := <-d.queue:
			d.mu.Lock()
			d.queueDepth--
			d.mu.Unlock()
			d.deliver(s)
		}
	}
}

func (d *destQueue) deliver(s shipment) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplicationShipDuration)

	if d.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.m.cfg.BackpressureTimeout)
		if err := d.limiter.Wait(ctx); err != nil {
			cancel()
			d.m.logger.Warn().Str("dest", string(d.id)).Msg("replication: shipment rate limit wait exceeded backpressure_timeout")
			return
		}
		cancel()
	}

	if d.m.clock.Now().Sub(s.queued) > d.m.cfg.MaxCatchupWindow {
		d.sendSnapshot(s.record.DataType)
	}

	var lastErr error
	for attempt := 0; attempt < d.m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 50 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-d.stopCh:
				return
			}
		}
		if err := d.send(s.record); err != nil {
			lastErr = err
			continue
		}
		d.mu.Lock()
		if s.record.OriginNodeID == d.m.self && s.record.OriginCounter > d.lastAckedCounter {
			d.lastAckedCounter = s.record.OriginCounter
			d.lastAckedWallClock = s.record.OriginWallClock
		}
		d.mu.Unlock()
		if s.acked != nil {
			select {
			case s.acked <- struct{}{}:
			default:
			}
		}
		return
	}
	d.m.logger.Warn().Str("dest", string(d.id)).Err(lastErr).Msg("replication: shipment delivery exhausted retries")
}

func (d *destQueue) send(record types.ReplicationRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.m.cfg.DialTimeout)
	defer cancel()

	conn, err := d.m.transport.Dial(ctx, d.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := conn.Send(transport.Frame{
		ClusterID:    d.m.clusterID,
		SenderNodeID: d.m.self,
		Type:         transport.MsgReplicate,
		Payload:      payload,
	}); err != nil {
		return err
	}
	ack, err := conn.Recv()
	if err != nil {
		return err
	}
	if ack.Type != transport.MsgReplicateAck {
		return types.NewError(types.KindTimeout, true, "replication: unexpected reply to REPLICATE", nil)
	}
	return nil
}

// sendSnapshot streams a compacted full-state catch-up for dataType ahead
// of resuming incremental shipment (spec.md §4.4's "Destinations that fall
// behind ... are snapshotted"). The copy-on-write property the spec
// describes holds because Manager.records is read under a shared lock
// snapshot, never mutated in place while marshaling.
func (d *destQueue) sendSnapshot(dataType string) {
	d.m.mu.RLock()
	var records []types.ReplicationRecord
	for _, r := range d.m.records {
		if r.DataType == dataType {
			records = append(records, r)
		}
	}
	d.m.mu.RUnlock()
	if len(records) == 0 {
		return
	}

	raw, err := json.Marshal(records)
	if err != nil {
		return
	}
	payload := d.m.zstdEnc.EncodeAll(raw, nil)

	ctx, cancel := context.WithTimeout(context.Background(), d.m.cfg.DialTimeout)
	defer cancel()
	conn, err := d.m.transport.Dial(ctx, d.addr)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.Send(transport.Frame{
		ClusterID:    d.m.clusterID,
		SenderNodeID: d.m.self,
		Type:         transport.MsgSnapshotChunk,
		Payload:      payload,
	})
}

// status reports this destination's lag and coarse sync state for
// Manager.Status().
func (d *destQueue) status(now time.Time) (lagSeconds float64, syncState string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastAckedWallClock.IsZero() {
		return 0, "UNKNOWN"
	}
	lag := now.Sub(d.lastAckedWallClock).Seconds()
	state := "SYNCED"
	if d.queueDepth > 0 {
		state = "CATCHING_UP"
	}
	return lag, state
}

func (m *Manager) acceptLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		conn, err := m.transport.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
			}
			return
		}
		go m.serveConn(conn)
	}
}

func (m *Manager) serveConn(conn transport.Conn) {
	defer conn.Close()
	f, err := conn.Recv()
	if err != nil {
		return
	}

	switch f.Type {
	case transport.MsgReplicate:
		var record types.ReplicationRecord
		if err := json.Unmarshal(f.Payload, &record); err != nil {
			return
		}
		_, _ = m.applyLocal(record)
		m.persist(context.Background(), record)
		_ = conn.Send(transport.Frame{
			ClusterID:    m.clusterID,
			SenderNodeID: m.self,
			Type:         transport.MsgReplicateAck,
			Payload:      nil,
		})
	case transport.MsgSnapshotChunk:
		raw, err := m.zstdDec.DecodeAll(f.Payload, nil)
		if err != nil {
			m.logger.Warn().Err(err).Msg("replication: snapshot chunk failed to decompress, dropping")
			return
		}
		var records []types.ReplicationRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return
		}
		for _, r := range records {
			_, _ = m.applyLocal(r)
		}
	}
}
