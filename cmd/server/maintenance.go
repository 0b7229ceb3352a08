package main

import (
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/store"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector store from the message store",
	RunE:  runReindex,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Drop malformed entries from the vector store",
	RunE:  runRepair,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export chats and messages into a SQLite database",
	Long:  `Writes a snapshot of every chat and its messages into a SQLite file. Existing rows in the target are replaced.`,
	RunE:  runExport,
}

var exportOut string

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "local-rag.db", "Target SQLite file")

	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(exportCmd)
}

func runReindex(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.chats.Reindex(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d messages\n", n)
	return nil
}

func runRepair(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.vectors.Repair(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Kept %d documents, dropped %d\n", report.Kept, report.Dropped)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	chats, err := a.stores.Chats.FindMany(nil)
	if err != nil {
		return goerr.Wrap(err, "failed to load chats")
	}
	messages, err := a.stores.Messages.FindMany(nil)
	if err != nil {
		return goerr.Wrap(err, "failed to load messages")
	}

	archive, err := store.NewSQLiteArchive(exportOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := archive.Close(); err != nil {
			logging.Default().Warn("failed to close archive", "path", exportOut, "error", err)
		}
	}()

	n, err := archive.Export(chats, messages)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d chats and %d messages to %s\n", len(chats), n, exportOut)
	return nil
}
