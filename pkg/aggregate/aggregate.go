// Package aggregate merges per-item batch results into one combined
// collection with derived summary statistics. Pure data transformation;
// no retry or network logic lives here. Items that exhausted their
// retries simply contribute zero records, never a merge-time error.
package aggregate

import "sort"

// Merge flattens per-key record slices into one combined slice, keys in
// sorted order so output is deterministic.
func Merge[T any](perItem map[string][]T) []T {
	keys := make([]string, 0, len(perItem))
	for key := range perItem {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var combined []T
	for _, key := range keys {
		combined = append(combined, perItem[key]...)
	}
	return combined
}

// Summary holds derived statistics over a set of per-item results.
type Summary struct {
	// Items is the number of keys merged.
	Items int `json:"items"`

	// NonEmpty is the number of keys that contributed at least one record.
	NonEmpty int `json:"non_empty"`

	// Empty is the number of keys that contributed zero records
	// (not-found resources and capped-retry failures both land here).
	Empty int `json:"empty"`

	// TotalRecords is the combined record count.
	TotalRecords int `json:"total_records"`

	// PerItem maps each key to its record count.
	PerItem map[string]int `json:"per_item"`

	// SuccessRate is NonEmpty / Items, 0 when Items is 0.
	SuccessRate float64 `json:"success_rate"`
}

// Summarize computes summary statistics over per-key record slices.
func Summarize[T any](perItem map[string][]T) Summary {
	summary := Summary{
		Items:   len(perItem),
		PerItem: make(map[string]int, len(perItem)),
	}

	for key, records := range perItem {
		summary.PerItem[key] = len(records)
		summary.TotalRecords += len(records)
		if len(records) > 0 {
			summary.NonEmpty++
		} else {
			summary.Empty++
		}
	}

	summary.SuccessRate = Rate(summary.NonEmpty, summary.Items)
	return summary
}

// Distribution buckets records by the given key function and counts
// each bucket (e.g. pull requests by state, commits by author).
func Distribution[T any](records []T, bucket func(T) string) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		counts[bucket(record)]++
	}
	return counts
}

// Rate returns part/whole as a float, 0 when whole is 0.
func Rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
