package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oicur0t/convexlogs/internal/credentials"
)

func newLoginCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "login <deployment>",
		Short: "Save a deploy key in the OS keyring",
		Long: `Save a deploy key for a deployment in the OS keyring.

The key is read from --key or, when omitted, from the first line of stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deployment := args[0]
			if key == "" {
				read, err := readKey(cmd.InOrStdin())
				if err != nil {
					return err
				}
				key = read
			}
			if err := credentials.Store(deployment, key); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Saved deploy key for %s\n", deployment)
			return err
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Deploy key to save")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <deployment>",
		Short: "Remove a deploy key from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credentials.Delete(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed deploy key for %s\n", args[0])
			return err
		},
	}
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read deploy key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("no deploy key given; pass --key or pipe it on stdin")
	}
	return key, nil
}
