package storage

import (
	"cmp"
	"slices"
)

// SortBookmarks orders bookmarks oldest first. IDs are ULIDs, so id order
// is creation order.
func SortBookmarks(bs []Bookmark) {
	slices.SortFunc(bs, func(a, b Bookmark) int { return cmp.Compare(a.ID, b.ID) })
}

// SortNotes orders pinned notes first, then oldest first.
func SortNotes(ns []Note) {
	slices.SortFunc(ns, func(a, b Note) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func SortProfileLinks(ls []ProfileLink) {
	slices.SortFunc(ls, func(a, b ProfileLink) int { return cmp.Compare(a.ID, b.ID) })
}
