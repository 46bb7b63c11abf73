package rudp

// rtoEstimator tracks smoothed RTT and RTT variance and derives the
// retransmission timeout, RFC 6298 shaped.
type rtoEstimator struct {
	srtt   int32
	rttvar int32
	rto    uint32
	minrto uint32
}

func newRTOEstimator(minrto, initialRTO uint32) rtoEstimator {
	return rtoEstimator{rto: initialRTO, minrto: minrto}
}

// sample folds a new one-way-delay sample (current-ts, already
// modular-diffed and known non-negative by the caller) into srtt/rttvar
// and recomputes rto, clamped to [minrto, 60000].
func (e *rtoEstimator) sample(rtt int32, interval uint32) {
	if e.srtt == 0 {
		e.srtt = rtt
		e.rttvar = rtt / 2
	} else {
		delta := rtt - e.srtt
		if delta < 0 {
			delta = -delta
		}
		e.srtt += (rtt - e.srtt) >> 3
		if e.srtt < 1 {
			e.srtt = 1
		}
		e.rttvar += (delta - e.rttvar) >> 2
	}
	rto := uint32(e.srtt) + imax(interval, uint32(e.rttvar)<<2)
	e.rto = ibound(e.minrto, rto, 60000)
}

func (e *rtoEstimator) setMinRTO(minrto uint32) {
	e.minrto = minrto
}
