package http

import "context"

// CountFromArchive summarizes archived workflows.
//
// Returns (-1, -1) when the archive is disabled or its stats cannot be
// read.
func CountFromArchive(ctx context.Context, history HistorySource) StatusCounts {
	if history == nil {
		return StatusCounts{Archived: -1, Completed: -1}
	}
	stats, err := history.Stats(ctx)
	if err != nil || stats == nil {
		return StatusCounts{Archived: -1, Completed: -1}
	}
	return StatusCounts{Archived: stats.Total, Completed: stats.Completed}
}
