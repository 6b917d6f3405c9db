package workflow

import (
	"sort"

	"bitbucket.org/mmdatafocus/grants_backend/models"
)

// TopN returns the ids of the n items with the lowest priority index, ties broken by id.
func TopN(items []models.SpendingItem, n int) []int {
	if n <= 0 || len(items) == 0 {
		return nil
	}
	sorted := make([]models.SpendingItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PriorityIndex != sorted[j].PriorityIndex {
			return sorted[i].PriorityIndex < sorted[j].PriorityIndex
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	ids := make([]int, 0, n)
	for _, it := range sorted[:n] {
		ids = append(ids, it.ID)
	}
	return ids
}

func IsFastTrack(items []models.SpendingItem, itemId int, n int) bool {
	for _, id := range TopN(items, n) {
		if id == itemId {
			return true
		}
	}
	return false
}

func (e *Engine) initialStatus(items []models.SpendingItem, itemId int) models.SpendingRequestStatus {
	if !e.Config.FastTrackEnabled || IsFastTrack(items, itemId, e.Config.TopN) {
		return models.SpendingRequestStatusPendingUniversityApproval
	}
	return models.SpendingRequestStatusPendingReceipt
}
