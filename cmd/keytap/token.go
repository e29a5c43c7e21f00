package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// maxRawTokenLength bounds --raw-token values to what fits a single
// attribute write.
const maxRawTokenLength = 512

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token helpers",
}

var tokenNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new random identity token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenNewCmd)
}

// validateToken checks a token given on the command line. Unless raw is set
// it must be a canonical 36-character UUID.
func validateToken(token string, raw bool) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	if raw {
		if len(token) > maxRawTokenLength {
			return "", fmt.Errorf("%w: token exceeds %d bytes", ErrInvalidToken, maxRawTokenLength)
		}
		return token, nil
	}

	if len(token) != 36 {
		return "", fmt.Errorf("%w: %q is not a 36-character UUID (use --raw-token for other formats)", ErrInvalidToken, token)
	}
	if _, err := uuid.Parse(token); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return token, nil
}
