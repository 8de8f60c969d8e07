package pipeline

import "sort"

// diversifyByProvider implements spec.md §4.9's provider diversification:
// round-robin across providers in ascending provider-id order, preserving
// each provider's internal (already score-sorted) order, with provider-less
// (custom) streams pushed to the tail in their original relative order.
func diversifyByProvider(scored []scoredStream) []scoredStream {
	byProvider := map[int][]scoredStream{}
	var providerIDs []int
	var unowned []scoredStream

	for _, e := range scored {
		if e.stream.ProviderID == nil {
			unowned = append(unowned, e)
			continue
		}
		id := *e.stream.ProviderID
		if _, seen := byProvider[id]; !seen {
			providerIDs = append(providerIDs, id)
		}
		byProvider[id] = append(byProvider[id], e)
	}
	sort.Ints(providerIDs)

	out := make([]scoredStream, 0, len(scored))
	for {
		progressed := false
		for _, id := range providerIDs {
			bucket := byProvider[id]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			byProvider[id] = bucket[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return append(out, unowned...)
}

// applyAccountLimits implements spec.md §6's account_stream_limits: after
// scoring and diversification, keep at most N streams per provider (0 means
// unlimited), dropping the lowest-ranked excess for that provider while
// leaving the relative order of kept streams untouched.
func applyAccountLimits(scored []scoredStream, limits AccountLimits) []scoredStream {
	kept := make([]scoredStream, 0, len(scored))
	used := map[int]int{}
	for _, e := range scored {
		if e.stream.ProviderID == nil {
			kept = append(kept, e)
			continue
		}
		id := *e.stream.ProviderID
		limit := limits.limitFor(id)
		if limit <= 0 {
			kept = append(kept, e)
			continue
		}
		if used[id] < limit {
			used[id]++
			kept = append(kept, e)
		}
	}
	return kept
}

// filterDead drops dead-flagged streams, preserving relative order.
func filterDead(scored []scoredStream) []scoredStream {
	out := make([]scoredStream, 0, len(scored))
	for _, e := range scored {
		if !e.dead {
			out = append(out, e)
		}
	}
	return out
}
