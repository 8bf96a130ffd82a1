package remote

import "time"

// Observer receives one call per completed HTTP round trip. Status is 0 when
// the request never produced a response.
type Observer interface {
	ObserveRequest(service, operation string, status int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, int, time.Duration) {}

func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
