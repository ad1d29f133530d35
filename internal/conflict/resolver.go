// Package conflict decides which of several competing action requests for a
// shared resource proceeds. Resolution is a pure function of its input:
// given the same requests in any order, the same winner and losers come out.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"corral/internal/model"
)

// Resolve picks exactly one winner among requests contending for the same
// resource. Ranking is priority score descending, then requested-at
// ascending (older wins), then source id ascending as the final tie break.
// Resolve returns an error if the slice is empty or the requests do not all
// name the same resource.
func Resolve(resource string, requests []model.ActionRequest, now time.Time) (model.ConflictRecord, error) {
	if len(requests) == 0 {
		return model.ConflictRecord{}, fmt.Errorf("no requests for resource %q", resource)
	}
	for _, req := range requests {
		if req.Resource != resource {
			return model.ConflictRecord{}, fmt.Errorf("request from %s targets %q, not %q", req.SourceID, req.Resource, resource)
		}
	}

	ranked := make([]model.ActionRequest, len(requests))
	copy(ranked, requests)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.SourceID < b.SourceID
	})

	outcomes := make([]model.RequestOutcome, len(ranked))
	for i, req := range ranked {
		outcomes[i] = model.RequestOutcome{Request: req, Won: i == 0}
	}
	return model.ConflictRecord{
		ID:         uuid.NewString(),
		Resource:   resource,
		Resolution: ranked[0],
		Outcomes:   outcomes,
		ResolvedAt: now,
	}, nil
}

// GroupByResource buckets a batch of pending requests by the resource they
// contend for. Single-request buckets still go through Resolve so every
// grant leaves an audit record.
func GroupByResource(requests []model.ActionRequest) map[string][]model.ActionRequest {
	out := make(map[string][]model.ActionRequest)
	for _, req := range requests {
		out[req.Resource] = append(out[req.Resource], req)
	}
	return out
}
