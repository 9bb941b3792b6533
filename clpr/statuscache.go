package clpr

import (
	"context"
	"time"
)

// RemoteStatus is the last funds report received from a remote connector.
type RemoteStatus struct {
	Known            bool      `json:"known"`
	Unavailable      bool      `json:"unavailable"`
	AvailableBalance Amount    `json:"available_balance"`
	SafetyThreshold  Amount    `json:"safety_threshold"`
	MinimumCharge    Amount    `json:"minimum_charge"`
	Unit             string    `json:"unit"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Insufficient reports whether a send costing minCharge would take the
// remote connector below its safety threshold. Unknown status is never insufficient.
func (s RemoteStatus) Insufficient(minCharge Amount) bool {
	if !s.Known {
		return false
	}
	return s.Unavailable || s.AvailableBalance.Sub(minCharge).LessThan(s.SafetyThreshold)
}

func statusFromReport(r StatusReport, at time.Time) RemoteStatus {
	return RemoteStatus{
		Known:            true,
		Unavailable:      r.Unavailable,
		AvailableBalance: r.AvailableBalance,
		SafetyThreshold:  r.SafetyThreshold,
		MinimumCharge:    r.MinimumCharge,
		Unit:             r.Unit,
		UpdatedAt:        at,
	}
}

// StatusPersister stores the remote status cache so a restarted middleware
// keeps suppressing sends through connectors known to be short of funds.
type StatusPersister interface {
	SaveStatus(ctx context.Context, id ConnectorID, status RemoteStatus) error
	LoadStatuses(ctx context.Context) (map[ConnectorID]RemoteStatus, error)
}

// statusCache is keyed by destination connector id. Entries are replaced
// wholesale; the last report wins.
type statusCache map[ConnectorID]RemoteStatus

func (c statusCache) get(id ConnectorID) RemoteStatus {
	return c[id]
}

func (c statusCache) put(id ConnectorID, s RemoteStatus) {
	c[id] = s
}
