package cmd

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/maimbot/napcat-adapter/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ban record database schema",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			db := openBanDB()
			defer db.Close()
			if err := store.MigrateUp(db); err != nil {
				fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("migrations applied")
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			db := openBanDB()
			defer db.Close()
			version, dirty, err := store.SchemaVersion(db)
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot read schema version: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
		},
	}
}

func openBanDB() *sql.DB {
	db, err := sql.Open("sqlite", resolveDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open database: %v\n", err)
		os.Exit(1)
	}
	return db
}
