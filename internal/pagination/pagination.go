// Package pagination windows result rows into fixed-size pages.
package pagination

import "queryflow/internal/core"

// DefaultPageSize is the page size used by result views.
const DefaultPageSize = 10

// Page returns items[index*size : index*size+size] clipped to len(items). An index past the end,
// a negative index or a non-positive size yields an empty slice. The result aliases items.
func Page[T any](items []T, size, index int) []T {
	if size <= 0 || index < 0 {
		return items[:0:0]
	}
	start := index * size
	if start >= len(items) || start/size != index {
		return items[:0:0]
	}
	end := start + size
	if end > len(items) || end < start {
		end = len(items)
	}
	return items[start:end:end]
}

// PageCount returns the number of non-empty pages of size over total items.
func PageCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// HasNext reports whether a page follows index.
func HasNext(total, size, index int) bool {
	return size > 0 && index >= 0 && (index+1)*size < total
}

// HasPrev reports whether a page precedes index.
func HasPrev(index int) bool {
	return index > 0
}

// Headers returns the columns of the first row of page. Rows on one page are assumed to share
// columns; columns appearing only in later rows are not reported.
func Headers(page []core.Row) []string {
	if len(page) == 0 {
		return []string{}
	}
	return page[0].Columns()
}
