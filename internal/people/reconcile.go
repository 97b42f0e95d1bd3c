package people

import "sort"

// Changeset captures the work one merge must apply to the local store. The
// removal and upsert id sets are disjoint by construction.
type Changeset struct {
	SiteID int64
	// RemovedUserIDs lists stored members absent from the fresh remote team,
	// ascending.
	RemovedUserIDs []int64
	// Upserts lists remote people that are new or whose full value differs
	// from the stored copy, in remote order.
	Upserts []Person
}

// Empty reports whether the merge produced no work.
func (c Changeset) Empty() bool {
	return len(c.RemovedUserIDs) == 0 && len(c.Upserts) == 0
}

// diffTeam reconciles a freshly fetched remote team against the stored local
// team. Value-equal people produce no writes. When the remote list carries
// the same user id twice, the later occurrence wins.
func diffTeam(siteID int64, local, remote []Person) Changeset {
	incoming := make(map[int64]Person, len(remote))
	order := make([]int64, 0, len(remote))
	for _, person := range remote {
		if _, seen := incoming[person.UserID]; !seen {
			order = append(order, person.UserID)
		}
		incoming[person.UserID] = person
	}

	stored := make(map[int64]Person, len(local))
	removed := make([]int64, 0)
	for _, person := range local {
		stored[person.UserID] = person
		if _, ok := incoming[person.UserID]; !ok {
			removed = append(removed, person.UserID)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	upserts := make([]Person, 0, len(order))
	for _, userID := range order {
		person := incoming[userID]
		if current, ok := stored[userID]; ok && current == person {
			continue
		}
		upserts = append(upserts, person)
	}

	return Changeset{
		SiteID:         siteID,
		RemovedUserIDs: removed,
		Upserts:        upserts,
	}
}
