package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tablecat/tablecat/metastore"
	"github.com/tablecat/tablecat/pkg/database"
	"github.com/tablecat/tablecat/pkg/logger"
)

var (
	realm string

	// Build information variables
	Version   = "dev"     // Default version for development
	GitCommit = "unknown" // Git commit hash
	BuildTime = "unknown" // Build timestamp
)

// printVersionInfo displays detailed version information
func printVersionInfo() {
	fmt.Printf("tablecat metastore v%s\n", Version)
	fmt.Printf("Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "metastore",
	Short: "tablecat metastore administration",
	Long: "Administrative commands for the tablecat metastore: bootstrapping realm databases and " +
		"managing principal credentials.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Lookup("version") != nil && cmd.Flags().Lookup("version").Changed {
			printVersionInfo()
			return nil
		}
		return cmd.Help()
	},
}

// bootstrapCmd represents the bootstrap command
var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the metastore schema in the realm's database",
	Long: `Apply the metastore schema (tables, indexes and the id sequence) to the realm's database.
The database itself must already exist; connection parameters come from the
TABLECAT_DATABASE_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		log := logger.New("metastore", Version)
		db, err := database.New(ctx, database.FromEnv().ForRealm(realm))
		if err != nil {
			return err
		}
		defer db.Close()

		if err := metastore.Bootstrap(ctx, db); err != nil {
			return err
		}
		log.Infof("bootstrapped realm %q", realm)
		return nil
	},
}

// principalCmd groups the principal credential commands
var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage principal credentials",
}

// principalCreateCmd represents the principal create command
var principalCreateCmd = &cobra.Command{
	Use:   "create [principal-name]",
	Short: "Create a principal entity with fresh credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		factory := metastore.NewFactory(metastore.FactoryConfig{
			Database: database.FromEnv(),
			Logger:   logger.New("metastore", Version),
		})
		defer factory.Close()

		mgr, err := factory.GetOrCreateManager(ctx, realm)
		if err != nil {
			return err
		}

		principal, err := mgr.CreateEntity(ctx, &metastore.Entity{
			CatalogID: metastore.RootCatalogID,
			ParentID:  metastore.NullID,
			TypeCode:  metastore.EntityTypePrincipal,
			Name:      args[0],
		})
		if err != nil {
			return err
		}
		secrets, err := mgr.GenerateNewPrincipalSecrets(ctx, principal.Name, principal.ID)
		if err != nil {
			return err
		}

		fmt.Printf("Principal:     %s (id %d)\n", principal.Name, principal.ID)
		fmt.Printf("Client ID:     %s\n", secrets.ClientID)
		fmt.Printf("Client Secret: %s\n", secrets.MainSecret)
		fmt.Println("Store the client secret now; it cannot be recovered later.")
		return nil
	},
}

// principalRotateCmd represents the principal rotate command
var principalRotateCmd = &cobra.Command{
	Use:   "rotate [client-id] [principal-id]",
	Short: "Rotate a principal's client secret",
	Long: `Install a new client secret for the principal. The previous secret stays
valid for a grace window unless --reset is given, which invalidates it
immediately.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		principalID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid principal id %q: %w", args[1], err)
		}
		reset, _ := cmd.Flags().GetBool("reset")

		factory := metastore.NewFactory(metastore.FactoryConfig{
			Database: database.FromEnv(),
			Logger:   logger.New("metastore", Version),
		})
		defer factory.Close()

		mgr, err := factory.GetOrCreateManager(ctx, realm)
		if err != nil {
			return err
		}

		secrets, err := mgr.RotatePrincipalSecrets(ctx, args[0], principalID, reset)
		if err != nil {
			return err
		}

		fmt.Printf("Client ID:     %s\n", secrets.ClientID)
		fmt.Printf("Client Secret: %s\n", secrets.MainSecret)
		fmt.Println("Store the client secret now; it cannot be recovered later.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&realm, "realm", os.Getenv("TABLECAT_REALM"), "Realm to operate on")
	rootCmd.Flags().Bool("version", false, "Show version information and exit")

	principalRotateCmd.Flags().Bool("reset", false, "Invalidate the previous secret immediately")

	principalCmd.AddCommand(principalCreateCmd)
	principalCmd.AddCommand(principalRotateCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(principalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
