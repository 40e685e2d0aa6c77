package main

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/parser"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a health data export file",
	Long: `Parses a bulk export file (structured-markup, delimited-text, or
spreadsheet), reconciles each reading against existing records, and
resolves primary flags for every touched bucket. Progress is tracked as
an ingestion job; rerun the same file to verify idempotence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		fileType, _ := cmd.Flags().GetString("type")
		userID, _ := cmd.Flags().GetString("user")
		source, _ := cmd.Flags().GetString("source")
		mappingPath, _ := cmd.Flags().GetString("mapping")

		ft, err := parser.ParseFileType(fileType)
		if err != nil {
			return err
		}
		if source == "" {
			source = filepath.Base(file)
		}

		var mapping *parser.ColumnMapping
		if mappingPath != "" {
			mapping, err = parser.LoadColumnMapping(mappingPath)
			if err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jb, err := env.store.CreateJob(ctx, userID, model.JobOriginFile, file)
		if err != nil {
			return eris.Wrap(err, "cmd: create job")
		}
		zap.L().Info("ingestion job created",
			zap.String("job_id", jb.ID),
			zap.String("file", file),
			zap.String("file_type", string(ft)))

		stream, err := parser.ParseFile(ctx, file, ft, parser.Context{
			UserID:     userID,
			SourceName: source,
			Catalog:    env.catalog,
			Mapping:    mapping,
		})
		if err != nil {
			detail := fmt.Sprintf("open input: %v", err)
			if ferr := env.store.FailJob(ctx, jb.ID, detail); ferr != nil {
				zap.L().Warn("mark job failed", zap.String("job_id", jb.ID), zap.Error(ferr))
			}
			return eris.Wrapf(err, "cmd: parse %s", file)
		}

		if err := env.controller.Run(ctx, jb.ID, stream); err != nil {
			return err
		}

		done, err := env.store.GetJob(ctx, jb.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Job %s %s: %d processed, %d skipped\n",
			done.ID, done.Status, done.ProcessedUnits, done.SkippedUnits)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("file", "", "path to the export file")
	ingestCmd.Flags().String("type", "", "file type: structured-markup, delimited-text, or spreadsheet")
	ingestCmd.Flags().String("user", "", "user the readings belong to")
	ingestCmd.Flags().String("source", "", "source name recorded on each reading (default: file name)")
	ingestCmd.Flags().String("mapping", "", "column mapping YAML for tabular inputs")
	_ = ingestCmd.MarkFlagRequired("file")
	_ = ingestCmd.MarkFlagRequired("type")
	_ = ingestCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(ingestCmd)
}
