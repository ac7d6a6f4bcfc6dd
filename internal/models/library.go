// Package models holds the core data types shared across the
// reconciliation engine: library items, catalog products, quality
// assessments, series comparisons, and the report shapes built from them.
package models

// LibraryItem is one owned audiobook as returned by the Library API.
type LibraryItem struct {
	ID              string      `json:"id"`
	ExternalID      string      `json:"external_id,omitempty"`
	Title           string      `json:"title"`
	Author          string      `json:"author"`
	Narrator        string      `json:"narrator,omitempty"`
	SeriesName      string      `json:"series_name,omitempty"`
	SeriesSequence  string      `json:"series_sequence,omitempty"`
	Path            string      `json:"path"`
	TotalSizeBytes  int64       `json:"total_size_bytes"`
	AudioFiles      []AudioFile `json:"audio_files"`
}

// AudioFile is one physical audio track belonging to a LibraryItem.
type AudioFile struct {
	Filename      string  `json:"filename"`
	Codec         string  `json:"codec"`
	BitrateBPS    int64   `json:"bitrate_bps"`
	Channels      int     `json:"channels"`
	ChannelLayout string  `json:"channel_layout,omitempty"`
	DurationSecs  float64 `json:"duration_seconds"`
	MimeType      string  `json:"mime_type"`
	SizeBytes     int64   `json:"size_bytes"`
}
