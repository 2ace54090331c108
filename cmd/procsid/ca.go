package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCACmd() *cobra.Command {
	var dir string
	var printPEM bool

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Show the project CA certificate for trust-store setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := resolveLayout(dir)
			if err != nil {
				return err
			}

			certPath := l.CACertPath()
			if _, err := os.Stat(certPath); err != nil {
				return fmt.Errorf("no CA yet; start the daemon first")
			}

			if printPEM {
				pem, err := os.ReadFile(certPath)
				if err != nil {
					return err
				}
				fmt.Print(string(pem))
				return nil
			}

			fmt.Println(certPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "explicit project data directory")
	cmd.Flags().BoolVar(&printPEM, "pem", false, "print the certificate PEM instead of its path")
	return cmd
}
