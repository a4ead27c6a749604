package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"securechat/config"
	"securechat/crypto"
	"securechat/storage"
)

const eventKeyRevoked = "key_revoked"

func loadKeyMaterial(cfg *config.ClientConfig) (*crypto.KeyMaterial, error) {
	private, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no key material at %s, run keygen first", cfg.PrivateKeyPath)
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}
	public, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	cert, err := os.ReadFile(cfg.BridgeCertPath)
	if err != nil {
		return nil, fmt.Errorf("read bridge certificate: %w", err)
	}

	keys, err := crypto.Load(private, public, cfg.Passphrase(), cert)
	if err != nil {
		return nil, fmt.Errorf("load key material: %w", err)
	}
	return keys, nil
}

func newKeygenCommand() *cobra.Command {
	var (
		name  string
		email string
		bits  int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new account key pair and bridge certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if _, err := os.Stat(cfg.PrivateKeyPath); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to replace it", cfg.PrivateKeyPath)
			}
			if name == "" {
				name = cfg.DisplayName
			}
			if email == "" {
				email = cfg.Email
			}

			generated, err := crypto.Generate(name, "", email, bits)
			if err != nil {
				return err
			}
			public, err := crypto.Armor(generated.PublicKeyRing, crypto.PublicKeyBlock)
			if err != nil {
				return err
			}
			private := generated.PrivateKeyRing
			if passphrase := cfg.Passphrase(); passphrase != "" {
				if private, err = crypto.SealPrivateKey(private, passphrase); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not set, the private key is stored unencrypted\n", cfg.PassphraseEnv)
			}
			files := []struct {
				path string
				data []byte
				perm os.FileMode
			}{
				{cfg.PrivateKeyPath, private, 0o600},
				{cfg.PublicKeyPath, public, 0o644},
				{cfg.BridgeCertPath, generated.BridgeCert, 0o644},
			}
			for _, f := range files {
				if err := writeFile(f.path, f.data, f.perm); err != nil {
					return err
				}
			}

			keys, err := crypto.Load(generated.PrivateKeyRing, generated.PublicKeyRing, "", generated.BridgeCert)
			if err != nil {
				return err
			}
			cfg.DisplayName, cfg.Email = name, email
			cfg.KeyFingerprint = keys.FingerprintHex()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated key for %s\nFingerprint: %s\n",
				keys.UserID(), crypto.FormatFingerprintBytes(keys.Fingerprint()))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name of the key, defaults to the display name")
	cmd.Flags().StringVar(&email, "email", "", "email address of the key")
	cmd.Flags().IntVar(&bits, "bits", crypto.DefaultRSABits, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "replace existing key material")
	return cmd
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of the account key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			keys, err := loadKeyMaterial(cfg)
			if err != nil {
				return err
			}
			revoked := ""
			if keys.IsRevoked() {
				revoked = " (revoked)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s%s\n", keys.UserID(), crypto.FormatFingerprintBytes(keys.Fingerprint()), revoked)
			return nil
		},
	}
}

func newRevokeCommand() *cobra.Command {
	var (
		persist bool
		out     string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Create a revocation certificate for the account key",
		Long: `revoke signs a revocation of the account key and writes the revoked public
key. With --persist the configured public key file is replaced, so that the
revocation is published with the next key exchange.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			keys, err := loadKeyMaterial(cfg)
			if err != nil {
				return err
			}

			ring, err := keys.Revoke(persist)
			if err != nil {
				return err
			}
			armored, err := crypto.Armor(ring, crypto.PublicKeyBlock)
			if err != nil {
				return err
			}

			switch {
			case out != "":
				err = writeFile(out, armored, 0o644)
			case persist:
				err = writeFile(cfg.PublicKeyPath, armored, 0o644)
			default:
				_, err = cmd.OutOrStdout().Write(armored)
			}
			if err != nil {
				return err
			}

			store, _, err := storage.Open(filepath.Dir(cfgPath))
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()
			return store.AuditEvent(eventKeyRevoked, storage.SecuritySeverityCritical, "", map[string]any{
				"fingerprint": keys.FingerprintHex(),
				"persisted":   persist,
			})
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "replace the stored public key with the revoked key")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the revoked key to this file instead of stdout")
	return cmd
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
