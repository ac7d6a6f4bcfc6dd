// Package quality implements the pure, deterministic analysis of a
// LibraryItem's audio files into an AudioQuality assessment: bitrate,
// format rank, spatial detection, tier, score, and upgrade priority.
package quality

import (
	"fmt"
	"strings"

	"github.com/drallgood/audiobook-reconciler/internal/models"
)

// Thresholds configures the tier and spatial-detection cutoffs. The
// zero value is not usable; construct via DefaultThresholds.
type Thresholds struct {
	ExcellentKbps      float64
	GoodKbps           float64
	AcceptableKbps     float64
	LowKbps            float64
	SpatialCodecs      map[string]bool
	SpatialMinChannels int
	PremiumContainers  map[string]bool
}

// DefaultThresholds returns the analyzer's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExcellentKbps:      256,
		GoodKbps:           128,
		AcceptableKbps:     110,
		LowKbps:            64,
		SpatialCodecs:      map[string]bool{"eac3": true, "truehd": true, "ac3": true},
		SpatialMinChannels: 6,
		PremiumContainers:  defaultPremiumContainers,
	}
}

// Analyzer derives an AudioQuality from a LibraryItem's audio files.
// Analyze is pure: the same input always yields the same output.
type Analyzer struct {
	thresholds Thresholds
}

// New builds an Analyzer. A zero-value Thresholds is replaced with
// DefaultThresholds.
func New(t Thresholds) *Analyzer {
	if t.SpatialCodecs == nil {
		t = DefaultThresholds()
	}
	if t.PremiumContainers == nil {
		t.PremiumContainers = defaultPremiumContainers
	}
	return &Analyzer{thresholds: t}
}

// Analyze assesses item's aggregate audio quality.
func (a *Analyzer) Analyze(item models.LibraryItem) models.AudioQuality {
	out := models.AudioQuality{
		LibraryItemID: item.ID,
		ExternalID:    item.ExternalID,
		Title:         item.Title,
		Author:        item.Author,
		Tier:          models.TierUnknown,
	}
	if len(item.AudioFiles) == 0 {
		return out
	}

	first := item.AudioFiles[0]
	out.Channels = first.Channels
	out.ChannelLayout = first.ChannelLayout

	out.BitrateKbps = aggregateBitrateKbps(item.AudioFiles)
	out.DurationHours = totalDurationSecs(item.AudioFiles) / 3600

	out.FormatRank = deriveFormatRank(first.Filename, first.Codec, first.MimeType, a.thresholds.PremiumContainers)
	out.IsSpatial = isSpatial(first.Codec, first.Channels, first.ChannelLayout, a.thresholds)

	out.Tier = a.tier(out.BitrateKbps, out.FormatRank, out.IsSpatial)
	out.Score = a.score(out.BitrateKbps, out.FormatRank, out.IsSpatial)
	out.UpgradePriority, out.UpgradeReason = a.upgradePriority(item, out)

	return out
}

// aggregateBitrateKbps computes the duration-weighted mean bitrate
// across files, falling back to the first file's raw bitrate when the
// total duration is zero but files are present.
func aggregateBitrateKbps(files []models.AudioFile) float64 {
	totalDuration := totalDurationSecs(files)
	if totalDuration <= 0 {
		return float64(files[0].BitrateBPS) / 1000
	}

	var weighted float64
	for _, f := range files {
		weighted += (float64(f.BitrateBPS) / 1000) * f.DurationSecs
	}
	return weighted / totalDuration
}

func totalDurationSecs(files []models.AudioFile) float64 {
	var total float64
	for _, f := range files {
		total += f.DurationSecs
	}
	return total
}

func isSpatial(codec string, channels int, channelLayout string, t Thresholds) bool {
	if strings.Contains(strings.ToLower(channelLayout), "atmos") {
		return true
	}
	return t.SpatialCodecs[strings.ToLower(codec)] && channels >= t.SpatialMinChannels
}

// tier applies the analyzer's ordered tier rules; the first match wins.
func (a *Analyzer) tier(bitrateKbps float64, rank models.FormatRank, spatial bool) models.QualityTier {
	t := a.thresholds
	switch {
	case spatial:
		return models.TierExcellent
	case bitrateKbps >= t.ExcellentKbps:
		return models.TierExcellent
	case rank.IsPremiumContainer():
		switch {
		case bitrateKbps >= t.GoodKbps:
			return models.TierBetter
		case bitrateKbps >= t.AcceptableKbps:
			return models.TierGood
		case bitrateKbps >= t.LowKbps:
			return models.TierLow
		default:
			return models.TierPoor
		}
	case rank.IsEquivalentTierCodec():
		switch {
		case bitrateKbps >= t.GoodKbps:
			return models.TierGood
		case bitrateKbps >= t.AcceptableKbps:
			return models.TierLow
		default:
			return models.TierPoor
		}
	default:
		switch {
		case bitrateKbps >= t.GoodKbps:
			return models.TierGood
		case bitrateKbps >= t.LowKbps:
			return models.TierLow
		default:
			return models.TierPoor
		}
	}
}

// formatWeight is the score formula's own format_weight table: 30
// (m4b), 25 (m4a), 20 (flac), 15 (mp3/opus), 10 (other). This is finer
// grained than FormatRank.Score() — it gives FLAC a weight distinct
// from MP3/Opus even though all three share one tier-rule bracket (see
// FormatRank.IsEquivalentTierCodec).
func formatWeight(rank models.FormatRank) float64 {
	switch rank {
	case models.FormatRankPremiumContainerAAC:
		return 30
	case models.FormatRankPlainAAC:
		return 25
	case models.FormatRankFLAC:
		return 20
	case models.FormatRankMP3, models.FormatRankOpus:
		return 15
	default:
		return 10
	}
}

// score computes the 0-100 quality score: a bitrate component capped at
// 60, a format weight, and a spatial bonus.
func (a *Analyzer) score(bitrateKbps float64, rank models.FormatRank, spatial bool) float64 {
	bitrateComponent := bitrateKbps / 256 * 60
	if bitrateComponent > 60 {
		bitrateComponent = 60
	}

	score := bitrateComponent + formatWeight(rank)
	if spatial {
		score += 10
	}
	return score
}

// upgradePriority computes the integer upgrade priority (0 means no
// upgrade needed) and its human-readable reason.
func (a *Analyzer) upgradePriority(item models.LibraryItem, q models.AudioQuality) (int, *string) {
	var base int
	switch q.Tier {
	case models.TierPoor:
		base = 100
	case models.TierLow:
		base = 50
	case models.TierGood:
		base = 10
	default:
		base = 0
	}
	if base == 0 {
		return 0, nil
	}

	var reasons []string
	reasons = append(reasons, fmt.Sprintf("tier=%s", q.Tier))
	priority := base

	if item.ExternalID != "" {
		priority += 20
		reasons = append(reasons, "external_id present")
	}

	sizeGB := float64(item.TotalSizeBytes) / (1 << 30)
	denom := sizeGB * 100
	if denom < 1 {
		denom = 1
	}
	efficiency := q.BitrateKbps / denom
	if efficiency < 1.0 {
		priority += 10
		reasons = append(reasons, fmt.Sprintf("efficiency=%.2f below 1.0", efficiency))
	}

	reason := strings.Join(reasons, "; ")
	return priority, &reason
}
