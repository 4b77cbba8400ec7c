package packer

import "folio/internal/manifest"

// Group is a planned batch that has not been materialized yet.
type Group struct {
	Items  []*manifest.Item
	Weight int
	// Closed is set when the group was cut because the next item did not fit.
	Closed bool
}

// IDs returns the member item ids in order.
func (g Group) IDs() []string {
	ids := make([]string, 0, len(g.Items))
	for _, item := range g.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// Pack splits items into groups of at most maxWeight without reordering. An
// item heavier than maxWeight on its own is placed alone in a closed group.
func Pack(items []*manifest.Item, maxWeight int) []Group {
	var (
		groups  []Group
		current Group
	)
	for _, item := range items {
		w := item.Weight
		if w < 1 {
			w = 1
		}
		if len(current.Items) > 0 && current.Weight+w > maxWeight {
			current.Closed = true
			groups = append(groups, current)
			current = Group{}
		}
		current.Items = append(current.Items, item)
		current.Weight += w
		if current.Weight >= maxWeight {
			current.Closed = true
			groups = append(groups, current)
			current = Group{}
		}
	}
	if len(current.Items) > 0 {
		groups = append(groups, current)
	}
	return groups
}
