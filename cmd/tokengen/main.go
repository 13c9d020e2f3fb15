package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/token"
)

var (
	role string
	ttl  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "tokengen",
	Short: "Mint a job token for calling /init-stream",
	Long: `Mints an HS256 job token signed with JWT_SECRET. Paste the output
into the workflow's n8nToken field.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		godotenv.Load()

		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}

		tok, err := token.IssueJobToken(secret, role, ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "role=%s expires=%s\n", role, time.Now().Add(ttl).Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&role, "role", "n8n", "role claim embedded in the token")
	rootCmd.Flags().DurationVar(&ttl, "ttl", 5*time.Minute, "token lifetime")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
