package cmd

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate console cookie keys and the session encryption key (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := securecookie.GenerateRandomKey(32)
			block := securecookie.GenerateRandomKey(32)
			session := securecookie.GenerateRandomKey(32)
			if hash == nil || block == nil || session == nil {
				return errors.New("keys: system random source unavailable")
			}
			fmt.Fprintf(os.Stdout, "export COOKIE_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(os.Stdout, "export COOKIE_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(block))
			fmt.Fprintf(os.Stdout, "export SESSION_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(session))
			return nil
		},
	}
}
