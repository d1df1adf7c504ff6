package orchestrator

import (
	"queryflow/internal/core"
	"queryflow/internal/export"
	"queryflow/internal/pagination"
)

// ResultPage is one page of the latest result's table rows.
type ResultPage struct {
	Query     string     `json:"query"`
	Rows      []core.Row `json:"rows"`
	Headers   []string   `json:"headers"`
	PageIndex int        `json:"page"`
	PageSize  int        `json:"page_size"`
	PageCount int        `json:"page_count"`
	TotalRows int        `json:"total_rows"`
	HasNext   bool       `json:"has_next"`
	HasPrev   bool       `json:"has_prev"`
}

// LatestPage pages the rows of the latest result. Headers come from the first row of the page.
// A non-positive size selects pagination.DefaultPageSize.
func (o *Orchestrator) LatestPage(size, index int) ResultPage {
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	var (
		query string
		rows  []core.Row
	)
	if rs, ok := o.Latest(); ok {
		query, rows = rs.Query, rs.Rows
	}

	page := pagination.Page(rows, size, index)
	if page == nil {
		page = []core.Row{}
	}
	return ResultPage{
		Query:     query,
		Rows:      page,
		Headers:   pagination.Headers(page),
		PageIndex: index,
		PageSize:  size,
		PageCount: pagination.PageCount(len(rows), size),
		TotalRows: len(rows),
		HasNext:   pagination.HasNext(len(rows), size, index),
		HasPrev:   pagination.HasPrev(index),
	}
}

// Export serializes every row of the latest result. With no result the output is the empty
// rendering of the format.
func (o *Orchestrator) Export(f export.Format) []byte {
	var rows []core.Row
	if rs, ok := o.Latest(); ok {
		rows = rs.Rows
	}
	return export.Export(rows, f)
}
