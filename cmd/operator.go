package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/example/termin-watch/internal/auth"
	"github.com/spf13/cobra"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operator console accounts",
	}
	cmd.AddCommand(newOperatorAddCmd())
	return cmd
}

func newOperatorAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an operator or reset their password",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("OPERATOR_PASSWORD")
			}

			ctx := context.Background()
			d, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			store := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			id, err := store.CreateOperator(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "operator %q saved (id=%d)\n", username, id)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password (default $OPERATOR_PASSWORD)")
	_ = c.MarkFlagRequired("username")
	return c
}
