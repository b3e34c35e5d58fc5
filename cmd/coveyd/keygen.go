package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coveynet/covey/pkg/dtls"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random pre-shared key",
	Long: `Generate a random pre-shared key and print it hex-encoded.

The output fits the security.psk_key and cluster.psk_key configuration
fields.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, dtls.KeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		fmt.Println(hex.EncodeToString(key))
		dtls.ZeroKey(key)
		return nil
	},
}
