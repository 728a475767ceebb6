package node

import (
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/workflow"
)

// Identities name the services of a node. Tasks are routed by them.
type Identities struct {
	Storefront string
	Aggregator string
	Dealer     string
	Tracker    string
}

func DefaultIdentities() Identities {
	return Identities{
		Storefront: "did:web:storefront.local",
		Aggregator: "did:web:aggregator.local",
		Dealer:     "did:web:dealer.local",
		Tracker:    "did:web:tracker.local",
	}
}

func (ids Identities) storefrontPolicy() workflow.IssuerPolicy {
	return workflow.IssuerPolicy{
		api.FilecoinOffer:  {workflow.AnyIssuer},
		api.FilecoinSubmit: {ids.Storefront},
		api.FilecoinAccept: {workflow.AnyIssuer},
	}
}

func (ids Identities) aggregatorPolicy() workflow.IssuerPolicy {
	return workflow.IssuerPolicy{
		api.PieceOffer:  {ids.Storefront},
		api.PieceAccept: {ids.Aggregator, ids.Storefront},
	}
}

func (ids Identities) dealerPolicy() workflow.IssuerPolicy {
	return workflow.IssuerPolicy{
		api.AggregateOffer:  {ids.Aggregator},
		api.AggregateAccept: {ids.Dealer},
	}
}

func (ids Identities) trackerPolicy() workflow.IssuerPolicy {
	return workflow.IssuerPolicy{
		api.DealInfo: {ids.Dealer},
	}
}
