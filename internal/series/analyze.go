package series

import (
	"context"
	"fmt"

	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	"github.com/drallgood/audiobook-reconciler/internal/models"
)

// AnalyzeLibrary fetches every local series in libraryID, filters by
// minBooksPerSeries, compares each against the Catalog, and returns a
// whole-library summary. A second pass over the results annotates
// DUPLICATE_EXTERNAL_ID where two distinct local series resolved to the
// same catalog series. Per-series failures are logged and skipped.
func (m *Matcher) AnalyzeLibrary(ctx context.Context, library *libraryclient.Client, libraryID string, minBooksPerSeries, limit int) (*models.SeriesLibraryReport, error) {
	localSeries, err := m.collectLocalSeries(ctx, library, libraryID)
	if err != nil {
		return nil, fmt.Errorf("collecting local series for library %s: %w", libraryID, err)
	}

	var filtered []models.LocalSeries
	for _, s := range localSeries {
		if len(s.Books) >= minBooksPerSeries {
			filtered = append(filtered, s)
		}
	}

	report := &models.SeriesLibraryReport{}
	catalogSeriesExternalID := make(map[int]string)

	for _, local := range filtered {
		result, err := m.Compare(ctx, local)
		if err != nil {
			m.log.Warn("series comparison failed, skipping", map[string]interface{}{
				"series": local.Name,
				"error":  err.Error(),
			})
			continue
		}
		resultIndex := len(report.Results)
		report.Results = append(report.Results, *result)
		report.TotalSeries++
		if result.CatalogSeries != nil {
			report.MatchedSeries++
			catalogSeriesExternalID[resultIndex] = result.CatalogSeries.ExternalID
		}
		if result.IsComplete() && result.MatchedCount() > 0 {
			report.CompleteSeries++
		}
		report.TotalMissingBooks += len(result.MissingBooks)
		for range result.MissingBooks {
			report.TotalMissingHours += estimatedMissingHours(local)
		}
	}

	annotateDuplicateExternalIDs(report, catalogSeriesExternalID)

	if limit > 0 && len(report.Results) > limit {
		report.Results = report.Results[:limit]
	}

	return report, nil
}

// annotateDuplicateExternalIDs runs the second pass: any catalog series
// external_id claimed by more than one local series gets
// DUPLICATE_EXTERNAL_ID added to every result that claimed it.
func annotateDuplicateExternalIDs(report *models.SeriesLibraryReport, catalogExternalID map[int]string) {
	counts := make(map[string]int)
	for _, id := range catalogExternalID {
		if id != "" {
			counts[id]++
		}
	}
	for i := range report.Results {
		id, ok := catalogExternalID[i]
		if !ok || id == "" || counts[id] < 2 {
			continue
		}
		report.Results[i].Warnings = append(report.Results[i].Warnings, models.WarnDuplicateExternalID)
	}
}

// estimatedMissingHours approximates a missing book's runtime as the
// local series' own average book duration, since the Catalog's book
// listing does not itself carry a duration field.
func estimatedMissingHours(local models.LocalSeries) float64 {
	if len(local.Books) == 0 {
		return 0
	}
	var total float64
	for _, b := range local.Books {
		total += b.Duration
	}
	return total / float64(len(local.Books))
}

// collectLocalSeries pages through every item in libraryID and groups
// those that carry a series name into LocalSeries records.
func (m *Matcher) collectLocalSeries(ctx context.Context, library *libraryclient.Client, libraryID string) ([]models.LocalSeries, error) {
	byName := make(map[string]*models.LocalSeries)
	var order []string

	for page := 0; ; page++ {
		items, err := library.ListItems(ctx, libraryID, page, 200)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if item.SeriesName == "" {
				continue
			}
			s, ok := byName[item.SeriesName]
			if !ok {
				s = &models.LocalSeries{ID: item.SeriesName, Name: item.SeriesName}
				byName[item.SeriesName] = s
				order = append(order, item.SeriesName)
			}
			seq := item.SeriesSequence
			var seqPtr *string
			if seq != "" {
				seqPtr = &seq
			}
			s.Books = append(s.Books, models.LocalSeriesBook{
				ID:         item.ID,
				Title:      item.Title,
				Sequence:   seqPtr,
				ExternalID: item.ExternalID,
				Author:     item.Author,
				Narrator:   item.Narrator,
				Duration:   totalHours(item),
			})
		}
		if len(items) < 200 {
			break
		}
	}

	result := make([]models.LocalSeries, 0, len(order))
	for _, name := range order {
		result = append(result, *byName[name])
	}
	return result, nil
}

func totalHours(item models.LibraryItem) float64 {
	var secs float64
	for _, f := range item.AudioFiles {
		secs += f.DurationSecs
	}
	return secs / 3600
}
