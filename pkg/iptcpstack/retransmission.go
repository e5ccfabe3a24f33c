package iptcpstack

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

type RetransmissionEntry struct {
	SeqNum   seqnum.Value
	Len      seqnum.Size
	SendTime time.Time
	Retries  uint32
}

func (e *RetransmissionEntry) end() seqnum.Value {
	return e.SeqNum.Add(e.Len)
}

// RetransmissionQueue tracks unacknowledged segments in send order and
// keeps the smoothed round trip estimate. Guarded by the socket lock.
type RetransmissionQueue struct {
	Entries []*RetransmissionEntry
	SRTT    time.Duration // Smoothed RTT
	alpha   float64       // Smoothing factor (typically 0.875)
	beta    float64       // RTO multiplier (typically 2.0)
	RTOMin  time.Duration // Minimum allowed RTO
	RTOMax  time.Duration // Maximum allowed RTO
	RTO     time.Duration
}

func NewRetransmissionQueue(rtoMin, rtoMax time.Duration) *RetransmissionQueue {
	return &RetransmissionQueue{
		SRTT:   1 * time.Second, // Initial SRTT guess
		alpha:  0.875,           // RFC793 recommended value (1 - 0.125)
		beta:   2.0,             // RTO multiplier
		RTOMin: rtoMin,
		RTOMax: rtoMax,
		RTO:    1 * time.Second, // Initial RTO guess
	}
}

// RFC793 RTT calculation
func (rq *RetransmissionQueue) updateRTT(measuredRTT time.Duration) {
	// SRTT = (α * SRTTLast) + (1 - α) * RTTMeasured
	rq.SRTT = time.Duration(float64(rq.SRTT)*rq.alpha +
		float64(measuredRTT)*(1-rq.alpha))
	// RTO = max(RTOMin, min(β * SRTT, RTOMax))
	rq.RTO = time.Duration(float64(rq.SRTT) * rq.beta)

	if rq.RTO < rq.RTOMin {
		rq.RTO = rq.RTOMin
	}
	if rq.RTO > rq.RTOMax {
		rq.RTO = rq.RTOMax
	}
}

func (rq *RetransmissionQueue) AddEntry(seq seqnum.Value, n int, now time.Time) {
	rq.Entries = append(rq.Entries, &RetransmissionEntry{
		SeqNum:   seq,
		Len:      seqnum.Size(n),
		SendTime: now,
	})
}

// RemoveAckedEntries drops every entry covered by ack and takes one RTT
// sample from the newest of them.
func (rq *RetransmissionQueue) RemoveAckedEntries(ack seqnum.Value, now time.Time) {
	i := 0
	var newest *RetransmissionEntry
	for ; i < len(rq.Entries); i++ {
		entry := rq.Entries[i]
		if !entry.end().LessThanEq(ack) {
			break
		}
		newest = entry
	}
	if newest != nil && newest.Retries == 0 {
		// only update RTT for packets that weren't retransmitted
		rq.updateRTT(now.Sub(newest.SendTime))
	}
	rq.Entries = rq.Entries[i:]
}

func (rq *RetransmissionQueue) Reset() {
	rq.Entries = nil
}
