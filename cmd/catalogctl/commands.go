package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/booklend/internal/app"
	"github.com/hitoshi/booklend/internal/config"
	"github.com/hitoshi/booklend/internal/database"
	"github.com/hitoshi/booklend/internal/logger"
)

// stderr はログの出力先。テストでは差し替える。
var stderr io.Writer = os.Stderr

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Manage the booklend catalog and member directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(
		newMigrateCmd(),
		newAddBookCmd(),
		newAddMemberCmd(),
		newImportCmd(),
	)
	return root
}

// withServices は設定を読み込み、ストレージとサービスを開いてfnを実行する。
// ログは標準エラーに出し、コマンドの結果は標準出力に出す。
func withServices(ctx context.Context, fn func(s *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	services, err := app.NewServices(cfg, backend, nil, slog.Default())
	if err != nil {
		return err
	}
	return fn(services)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetupDefaultWithLevel(stderr, level)
	return cfg, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			switch cfg.StoreDriver {
			case config.StoreDriverPostgres:
				err = database.RunMigrations(cfg.DatabaseURL)
			case config.StoreDriverSQLite:
				err = database.RunSQLiteMigrations(cfg.SQLitePath)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "store driver %q has no schema\n", cfg.StoreDriver)
				return nil
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newAddBookCmd() *cobra.Command {
	var id, author string
	cmd := &cobra.Command{
		Use:   "add-book TITLE",
		Short: "Register a book in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *app.Services) error {
				book, err := s.Catalog.AddBookWithID(cmd.Context(), id, args[0], author)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", book.ID, book.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "book ID (generated when empty)")
	cmd.Flags().StringVar(&author, "author", "", "author name")
	return cmd
}

func newAddMemberCmd() *cobra.Command {
	var id, contact string
	cmd := &cobra.Command{
		Use:   "add-member DISPLAY_NAME",
		Short: "Register a member in the local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *app.Services) error {
				member, err := s.Members.RegisterWithID(cmd.Context(), id, args[0], contact)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", member.ID, member.DisplayName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "member ID (generated when empty)")
	cmd.Flags().StringVar(&contact, "contact", "", "contact address")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import books and members from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *app.Services) error {
				res, err := s.ImportSeed(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "books: %d added, %d skipped\nmembers: %d added, %d skipped\n",
					res.BooksAdded, res.BooksSkipped, res.MembersAdded, res.MembersSkipped)
				return nil
			})
		},
	}
}
