package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/clearframe/risk-engine/internal/db"
	"github.com/clearframe/risk-engine/internal/store"
)

// catalogFile is the YAML shape of a framework catalog export.
type catalogFile struct {
	Frameworks []catalogFramework `yaml:"frameworks"`
	Controls   []catalogControl   `yaml:"controls"`
	Mappings   []catalogMapping   `yaml:"mappings"`
}

type catalogFramework struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

type catalogControl struct {
	ID          string `yaml:"id"`
	FrameworkID string `yaml:"framework_id"`
	ParentID    string `yaml:"parent_id"`
	Code        string `yaml:"code"`
	Title       string `yaml:"title"`
	SortOrder   int    `yaml:"sort_order"`
}

type catalogMapping struct {
	ID              string `yaml:"id"`
	SourceControlID string `yaml:"source_control_id"`
	TargetControlID string `yaml:"target_control_id"`
	Bidirectional   bool   `yaml:"bidirectional"`
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage framework control catalogs",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <catalog.yaml>",
	Short: "Import frameworks, controls, and mappings from a YAML catalog",
	Long:  "Bulk-upserts a framework catalog export. Re-importing an updated catalog overwrites names, titles, and sort orders in place.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "catalog import: read file")
		}

		var catalog catalogFile
		if err := yaml.Unmarshal(data, &catalog); err != nil {
			return eris.Wrap(err, "catalog import: parse yaml")
		}
		if len(catalog.Frameworks) == 0 {
			return eris.New("catalog import: no frameworks in file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return eris.New("catalog import requires the postgres driver")
		}

		total, err := importCatalog(ctx, pg.Pool(), catalog)
		if err != nil {
			return err
		}

		fmt.Printf("Imported %d catalog rows.\n", total)
		return nil
	},
}

func importCatalog(ctx context.Context, pool db.Pool, catalog catalogFile) (int64, error) {
	fwRows := make([][]any, len(catalog.Frameworks))
	for i, f := range catalog.Frameworks {
		fwRows[i] = []any{f.ID, f.Name, f.Version, f.Description}
	}
	n, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "frameworks",
		Columns:      []string{"id", "name", "version", "description"},
		ConflictKeys: []string{"id"},
	}, fwRows)
	if err != nil {
		return 0, eris.Wrap(err, "catalog import: frameworks")
	}
	total := n

	ctrlRows := make([][]any, len(catalog.Controls))
	for i, c := range catalog.Controls {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		ctrlRows[i] = []any{id, c.FrameworkID, c.ParentID, c.Code, c.Title, c.SortOrder}
	}
	n, err = db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "controls",
		Columns:      []string{"id", "framework_id", "parent_id", "code", "title", "sort_order"},
		ConflictKeys: []string{"id"},
	}, ctrlRows)
	if err != nil {
		return 0, eris.Wrap(err, "catalog import: controls")
	}
	total += n

	mapRows := make([][]any, len(catalog.Mappings))
	for i, m := range catalog.Mappings {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		mapRows[i] = []any{id, m.SourceControlID, m.TargetControlID, m.Bidirectional}
	}
	n, err = db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "control_mappings",
		Columns:      []string{"id", "source_control_id", "target_control_id", "bidirectional"},
		ConflictKeys: []string{"source_control_id", "target_control_id"},
	}, mapRows)
	if err != nil {
		return 0, eris.Wrap(err, "catalog import: mappings")
	}
	total += n

	zap.L().Info("catalog imported",
		zap.Int("frameworks", len(catalog.Frameworks)),
		zap.Int("controls", len(catalog.Controls)),
		zap.Int("mappings", len(catalog.Mappings)),
	)
	return total, nil
}

func init() {
	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}
