// Command gen-token prints an HS256 token accepted by the API when it runs
// with LOCAL_AUTH_MODE=hs256.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func token(secret, sub, name, email string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if name != "" {
		claims["name"] = name
	}
	if email != "" {
		claims["email"] = email
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var rootCmd = &cobra.Command{
	Use:   "gen-token",
	Short: "Print a signed HS256 token for local auth mode",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		sub, _ := cmd.Flags().GetString("sub")
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			secret = "testsecret"
		}
		tok, err := token(secret, sub, name, email, ttl)
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), tok)
	},
}

func init() {
	rootCmd.Flags().String("sub", "dev-user", "user id")
	rootCmd.Flags().String("name", "", "display name")
	rootCmd.Flags().String("email", "", "email, used when boards are shared")
	rootCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
