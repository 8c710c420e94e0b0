package ops

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthFanoutTimeout bounds how long one datacenter's health probe is
// allowed to take before it is reported unhealthy, per spec §4.H.
const healthFanoutTimeout = 5 * time.Second

// DatacenterHealth is one datacenter's health fanout result.
type DatacenterHealth struct {
	Datacenter uint16
	Healthy    bool
	Err        string `json:"err,omitempty"`
}

// Health fans out a health probe to every datacenter concurrently: the
// local one is answered directly (no network hop), every peer is probed
// with an HTTP GET against its own health endpoint, each bounded by
// healthFanoutTimeout — mirroring pkg/epoxy's errgroup-based broadcast
// pattern (pkg/epoxy/propose.go's broadcastPreAccept/broadcastAccept),
// generalized from quorum voting to per-peer independent probes.
type Health struct {
	Client        *http.Client
	OwnDatacenter uint16
	PeerURLs      map[uint16]string // label -> public_url, excluding OwnDatacenter
}

// NewHealth constructs a Health fanout using a client with no default
// timeout; each probe supplies its own bounded context instead.
func NewHealth(ownDatacenter uint16, peerURLs map[uint16]string) *Health {
	return &Health{Client: &http.Client{}, OwnDatacenter: ownDatacenter, PeerURLs: peerURLs}
}

// Fanout probes every datacenter and returns one result per datacenter,
// including the local one.
func (h *Health) Fanout(ctx context.Context) []DatacenterHealth {
	results := make([]DatacenterHealth, 1+len(h.PeerURLs))
	results[0] = DatacenterHealth{Datacenter: h.OwnDatacenter, Healthy: true}

	g, _ := errgroup.WithContext(ctx)
	i := 1
	for label, url := range h.PeerURLs {
		idx := i
		i++
		label, url := label, url
		g.Go(func() error {
			results[idx] = h.probe(ctx, label, url)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Health) probe(ctx context.Context, label uint16, url string) DatacenterHealth {
	reqCtx, cancel := context.WithTimeout(ctx, healthFanoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return DatacenterHealth{Datacenter: label, Healthy: false, Err: err.Error()}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return DatacenterHealth{Datacenter: label, Healthy: false, Err: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DatacenterHealth{Datacenter: label, Healthy: false, Err: resp.Status}
	}
	return DatacenterHealth{Datacenter: label, Healthy: true}
}
