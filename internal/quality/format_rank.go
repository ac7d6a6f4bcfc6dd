package quality

import (
	"path/filepath"
	"strings"

	"github.com/drallgood/audiobook-reconciler/internal/models"
)

// defaultPremiumContainers is used when Thresholds.PremiumContainers is
// nil; callers override it via the quality.premium_container_set
// option to recognize marketplace-specific premium extensions.
var defaultPremiumContainers = map[string]bool{".m4b": true}

// deriveFormatRank classifies a file's container/codec. Filename
// extension takes priority when present; codec and MIME type are the
// fallback for files recorded without a filename. premiumContainers
// lists the filename extensions that count as a premium AAC container
// (".m4b" by default).
func deriveFormatRank(filename, codec, mimeType string, premiumContainers map[string]bool) models.FormatRank {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		switch {
		case premiumContainers[ext]:
			return models.FormatRankPremiumContainerAAC
		case ext == ".m4a", ext == ".m4b":
			return models.FormatRankPlainAAC
		case ext == ".mp3":
			return models.FormatRankMP3
		case ext == ".opus":
			return models.FormatRankOpus
		case ext == ".flac":
			return models.FormatRankFLAC
		}
	}

	codec = strings.ToLower(codec)
	mimeType = strings.ToLower(mimeType)

	switch codec {
	case "aac", "alac":
		if strings.Contains(mimeType, "mp4") || strings.Contains(mimeType, "m4b") {
			return models.FormatRankPremiumContainerAAC
		}
		return models.FormatRankPlainAAC
	case "mp3", "mpeg":
		return models.FormatRankMP3
	case "opus", "vorbis", "ogg":
		return models.FormatRankOpus
	case "flac":
		return models.FormatRankFLAC
	default:
		return models.FormatRankOther
	}
}
