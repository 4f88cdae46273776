package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/curve25519"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wgx",
		Short: "WGX operator utilities",
		Long:  "wgx generates the Curve25519 keys a WGX relay config needs, without reimplementing wg(8).",
	}
	rootCmd.AddCommand(genkeyCmd(), pubkeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func genkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new private key and print it base64-encoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := generatePrivateKey()
			if err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(priv[:]))
			return nil
		},
	}
}

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Derive a public key from a private key read on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() {
				return fmt.Errorf("no private key provided on stdin")
			}
			line := strings.TrimSpace(scanner.Text())
			priv, err := base64.StdEncoding.DecodeString(line)
			if err != nil || len(priv) != 32 {
				return fmt.Errorf("private key must be 32 bytes, base64-encoded")
			}
			pub, err := curve25519.X25519(priv, curve25519.Basepoint)
			if err != nil {
				return fmt.Errorf("derive public key: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(pub))
			return nil
		},
	}
}

// generatePrivateKey returns a clamped Curve25519 scalar, per the Noise spec's
// key-generation rule (reference implementation clamps the same three bits).
func generatePrivateKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("random read: %w", err)
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key, nil
}
