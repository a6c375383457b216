package storage

import (
	"sort"

	"bulkrun/internal/model"
)

func (f BatchFilter) match(b *model.Batch) bool {
	if f.OwnerID != "" && b.OwnerID != f.OwnerID {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, b.Status) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !b.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func (f ItemFilter) match(it *model.Item) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if it.Status == s {
			return true
		}
	}
	return false
}

func containsStatus(list []model.BatchStatus, s model.BatchStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortBatches orders newest first; ties break on ID for stable pages.
func sortBatches(bs []*model.Batch) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].CreatedAt.After(bs[j].CreatedAt)
		}
		return bs[i].ID < bs[j].ID
	})
}

func sortItems(its []*model.Item) {
	sort.Slice(its, func(i, j int) bool { return its[i].Index < its[j].Index })
}

// page applies offset/limit and returns the window plus the unpaged total.
func page[T any](all []T, offset, limit int) ([]T, int) {
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []T{}, total
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total
}
