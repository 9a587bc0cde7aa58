// Package dedup collapses events that share a hash key into one
// representative per group.
package dedup

import (
	"sort"

	"techcal/internal/model"
)

// Deduplicate groups events by HashKey and returns one winner per group, in
// order of each group's first appearance. Within a group the winner is the
// first event after a stable sort preferring an http(s) URL, then the longest
// description. Losers only contribute their URLs to the winner's Sources.
func Deduplicate(events []*model.Event) []*model.Event {
	groups := make(map[string][]*model.Event, len(events))
	order := make([]string, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		if _, seen := groups[e.HashKey]; !seen {
			order = append(order, e.HashKey)
		}
		groups[e.HashKey] = append(groups[e.HashKey], e)
	}

	out := make([]*model.Event, 0, len(order))
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return better(group[i], group[j])
		})
		winner := group[0]
		for _, loser := range group[1:] {
			absorb(winner, loser)
		}
		out = append(out, winner)
	}
	return out
}

// better orders by (has http URL, description length) descending.
func better(a, b *model.Event) bool {
	au, bu := model.IsHTTPURL(a.URL), model.IsHTTPURL(b.URL)
	if au != bu {
		return au
	}
	return len(a.Description) > len(b.Description)
}

func absorb(winner, loser *model.Event) {
	winner.AddSource(loser.URL)
	for _, s := range loser.Sources {
		winner.AddSource(s)
	}
}
