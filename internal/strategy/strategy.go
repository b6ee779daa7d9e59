// Package strategy holds the replaceable decision logic of the engines.
//
// Engines keep their records in the ledger state and delegate every
// judgement (how far to rebalance, how much edge an investment has, how to
// spread a liquidity deficit) to a Strategy chosen at construction time by
// version. Replacing the strategy never touches persisted records.
package strategy

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
)

var (
	// ErrUnknownVersion is returned by Select for an unregistered version.
	ErrUnknownVersion = apperrors.New(apperrors.Validation, "strategy: unknown logic version")

	// ErrNoSamples is returned when an edge is requested without price history.
	ErrNoSamples = apperrors.New(apperrors.StateConflict, "strategy: no price samples")
)

// DiffInput is everything the rebalance diff reads.
type DiffInput struct {
	View        oracle.View
	Base        model.AssetID
	Holdings    map[model.AssetID]*uint256.Int
	Allocations []model.Allocation
	// Dust is the largest value difference that is left alone.
	Dust *uint256.Int
}

// DiffResult is a freshly built pair of queues.
type DiffResult struct {
	Liquidations []model.QueueEntry
	Purchases    []model.QueueEntry
}

// EdgeInput describes one investment asset.
type EdgeInput struct {
	// Samples are newest first.
	Samples     []model.PriceSample
	TargetPrice *uint256.Int
	AssumedLoss percent.Percent
}

// Edge is the win/loss magnitude fed to the Kelly formula.
type Edge struct {
	Reference *uint256.Int
	Gain      percent.Percent
	Loss      percent.Percent
	// Favorable is false when the target is at or below the reference
	// price; Gain and Loss are then meaningless.
	Favorable bool
}

// Strategy is one version of the engines' decision logic.
type Strategy interface {
	Version() string

	// Diff compares holdings against the allocation targets and returns
	// the swaps that move the basket toward them.
	Diff(in DiffInput) (DiffResult, error)

	// Edge estimates the gain and loss of holding an investment asset.
	Edge(in EdgeInput) (Edge, error)

	// Spread splits amount across buckets in proportion to their size,
	// never assigning a bucket more than it holds.
	Spread(amount *uint256.Int, buckets []*uint256.Int) ([]*uint256.Int, error)
}

var versions = map[string]func() Strategy{
	"v1": func() Strategy { return V1{} },
}

// Select returns the strategy registered under version.
func Select(version string) (Strategy, error) {
	mk, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownVersion, version, Versions())
	}
	return mk(), nil
}

// Versions lists every registered version.
func Versions() []string {
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
