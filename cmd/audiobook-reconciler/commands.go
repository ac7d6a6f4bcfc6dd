package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/audiobook-reconciler/internal/cache"
	"github.com/drallgood/audiobook-reconciler/internal/catalogclient"
	"github.com/drallgood/audiobook-reconciler/internal/config"
	"github.com/drallgood/audiobook-reconciler/internal/enrichment"
	"github.com/drallgood/audiobook-reconciler/internal/libraryclient"
	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
	"github.com/drallgood/audiobook-reconciler/internal/models"
	"github.com/drallgood/audiobook-reconciler/internal/quality"
	"github.com/drallgood/audiobook-reconciler/internal/series"
	"github.com/drallgood/audiobook-reconciler/internal/upgrade"
)

// components bundles the clients and services every command wires from
// one loaded Config, so each command's Action only has to assemble the
// pieces it actually needs.
type components struct {
	cfg     *config.Config
	cache   *cache.Cache
	library *libraryclient.Client
	catalog *catalogclient.Client // nil when no catalog credential is configured
	log     *applog.Logger
}

func buildComponents(c *cli.Context) (*components, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if id := c.String("library-id"); id != "" {
		cfg.Library.LibraryID = id
	}

	log := applog.Get()

	catalogCredential := catalogCredential(cfg)
	var namespaces []string
	if catalogCredential != "" {
		namespaces = []string{catalogclient.NamespaceProduct, catalogclient.NamespaceSims}
	}
	ch, err := cache.New(cfg.BuildCacheConfig(namespaces), log)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	library := libraryclient.New(cfg.BuildLibraryClientConfig(), ch, log)

	var catalog *catalogclient.Client
	if catalogCredential != "" {
		catalog = catalogclient.New(cfg.BuildCatalogClientConfig(), catalogCredential, ch, log)
	}

	return &components{cfg: cfg, cache: ch, library: library, catalog: catalog, log: log}, nil
}

// catalogCredential resolves the already-decrypted bearer token a
// Catalog client authenticates with. Decrypting Catalog.AuthFilePath is
// an adjacent module's job; here the file's contents are taken as the
// token verbatim, with CATALOG_AUTH_PASSWORD as a direct override for
// cases with no credential file on disk.
func catalogCredential(cfg *config.Config) string {
	if cfg.Catalog.AuthPassword != "" {
		return cfg.Catalog.AuthPassword
	}
	if cfg.Catalog.AuthFilePath == "" {
		return ""
	}
	data, err := os.ReadFile(cfg.Catalog.AuthFilePath)
	if err != nil {
		applog.Get().Warn("catalog auth file unreadable, continuing without catalog access", map[string]interface{}{
			"path": cfg.Catalog.AuthFilePath, "error": err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(string(data))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scanQualityCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan-quality",
		Usage: "grade every item in a library's local audio quality",
		Action: func(c *cli.Context) error {
			comp, err := buildComponents(c)
			if err != nil {
				return err
			}
			libraryID := comp.cfg.Library.LibraryID
			if libraryID == "" {
				return fmt.Errorf("library.library_id is required (config file, --library-id, or LIBRARY_ID)")
			}

			analyzer := quality.New(comp.cfg.BuildQualityThresholds())

			ctx := context.Background()
			var results []models.AudioQuality
			page := 0
			const pageSize = 100
			for {
				items, err := comp.library.ListItems(ctx, libraryID, page, pageSize)
				if err != nil {
					return fmt.Errorf("listing library items: %w", err)
				}
				if len(items) == 0 {
					break
				}
				for _, item := range items {
					results = append(results, analyzer.Analyze(item))
				}
				if len(items) < pageSize {
					break
				}
				page++
			}

			return printJSON(results)
		},
	}
}

func findUpgradesCommand() *cli.Command {
	return &cli.Command{
		Name:  "find-upgrades",
		Usage: "scan a library for quality-upgrade candidates, optionally enriched against the catalog",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "bitrate-threshold-kbps", Usage: "override upgrade.bitrate_threshold_kbps"},
			&cli.IntFlag{Name: "limit", Usage: "cap the number of returned candidates (0 = unlimited)"},
			&cli.BoolFlag{Name: "subscription-only", Usage: "keep only candidates included in the subscription plan"},
			&cli.BoolFlag{Name: "deals-only", Usage: "keep only candidates currently discounted"},
			&cli.BoolFlag{Name: "exclude-owned", Usage: "drop candidates already owned"},
		},
		Action: func(c *cli.Context) error {
			comp, err := buildComponents(c)
			if err != nil {
				return err
			}
			libraryID := comp.cfg.Library.LibraryID
			if libraryID == "" {
				return fmt.Errorf("library.library_id is required (config file, --library-id, or LIBRARY_ID)")
			}

			analyzer := quality.New(comp.cfg.BuildQualityThresholds())

			var enrichSvc *enrichment.Service
			if comp.catalog != nil {
				enrichSvc = enrichment.New(enrichment.Config{
					SubscriptionMarker: comp.cfg.Enrichment.SubscriptionMarker,
					GoodDealThreshold:  comp.cfg.Enrichment.GoodDealThreshold,
					MaxConcurrent:      comp.cfg.Enrichment.MaxConcurrent,
				}, comp.catalog, comp.library, comp.log)
			}

			finder := upgrade.New(upgrade.Config{
				MaxConcurrent: comp.cfg.Upgrade.MaxConcurrent,
			}, comp.library, enrichSvc, analyzer, comp.log)

			threshold := c.Float64("bitrate-threshold-kbps")
			if threshold <= 0 {
				threshold = comp.cfg.Upgrade.BitrateThresholdKbps
			}

			result, err := finder.Find(context.Background(), upgrade.FindParams{
				LibraryID:            libraryID,
				BitrateThresholdKbps: threshold,
				Limit:                c.Int("limit"),
				MaxConcurrent:        comp.cfg.Upgrade.MaxConcurrent,
				Filters: upgrade.Filters{
					SubscriptionOnly: c.Bool("subscription-only"),
					DealsOnly:        c.Bool("deals-only"),
					ExcludeOwned:     c.Bool("exclude-owned"),
				},
			})
			if err != nil {
				return fmt.Errorf("finding upgrades: %w", err)
			}
			return printJSON(result)
		},
	}
}

func analyzeSeriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze-series",
		Usage: "compare a library's local series against the catalog for completeness",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "min-books-per-series", Value: 2, Usage: "skip series with fewer local books than this"},
			&cli.IntFlag{Name: "limit", Usage: "cap the number of returned series results (0 = unlimited)"},
		},
		Action: func(c *cli.Context) error {
			comp, err := buildComponents(c)
			if err != nil {
				return err
			}
			if comp.catalog == nil {
				return fmt.Errorf("analyze-series requires catalog credentials (catalog.auth_file_path or CATALOG_AUTH_PASSWORD)")
			}
			libraryID := comp.cfg.Library.LibraryID
			if libraryID == "" {
				return fmt.Errorf("library.library_id is required (config file, --library-id, or LIBRARY_ID)")
			}

			matcher := series.New(series.Config{
				MinMatchScore: comp.cfg.Series.MinMatchScore,
			}, comp.catalog, comp.log)

			report, err := matcher.AnalyzeLibrary(context.Background(), comp.library, libraryID,
				c.Int("min-books-per-series"), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("analyzing series: %w", err)
			}
			return printJSON(report)
		},
	}
}

func enrichCommand() *cli.Command {
	return &cli.Command{
		Name:      "enrich",
		Usage:     "look up one catalog external_id and print its enrichment result",
		ArgsUsage: "EXTERNAL_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "discover-quality", Usage: "probe the catalog's own bitrate/codec metadata"},
		},
		Action: func(c *cli.Context) error {
			externalID := c.Args().First()
			if externalID == "" {
				return fmt.Errorf("EXTERNAL_ID argument is required")
			}
			comp, err := buildComponents(c)
			if err != nil {
				return err
			}
			if comp.catalog == nil {
				return fmt.Errorf("enrich requires catalog credentials (catalog.auth_file_path or CATALOG_AUTH_PASSWORD)")
			}

			enrichSvc := enrichment.New(enrichment.Config{
				SubscriptionMarker: comp.cfg.Enrichment.SubscriptionMarker,
				GoodDealThreshold:  comp.cfg.Enrichment.GoodDealThreshold,
				MaxConcurrent:      comp.cfg.Enrichment.MaxConcurrent,
			}, comp.catalog, comp.library, comp.log)

			result, err := enrichSvc.Enrich(context.Background(), externalID, c.Bool("discover-quality"))
			if err != nil {
				return fmt.Errorf("enriching %s: %w", externalID, err)
			}
			return printJSON(result)
		},
	}
}
