package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"securechat/config"
	"securechat/crypto"
	"securechat/storage"
)

// withStore opens the configured database for the duration of fn.
func withStore(fn func(cfg *config.ClientConfig, store *storage.Store) error) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func newContactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts and their public keys",
	}
	cmd.AddCommand(
		newContactAddCommand(),
		newContactListCommand(),
		newContactTrustCommand(),
		newContactStatusCommand("block", storage.ContactStatusBlocked, "Refuse messages from a contact"),
		newContactStatusCommand("unblock", storage.ContactStatusUnknown, "Accept messages from a contact again"),
	)
	return cmd
}

func newContactAddCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add ADDRESS [KEYFILE]",
		Short: "Add a contact, optionally with its OpenPGP public key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contact := storage.Contact{Address: args[0], Name: name}
			if len(args) == 2 {
				ring, fingerprint, err := readContactKey(args[1])
				if err != nil {
					return err
				}
				contact.PublicKey, contact.KeyFingerprint = ring, fingerprint
			}
			return withStore(func(_ *config.ClientConfig, store *storage.Store) error {
				id, err := store.AddContact(contact)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added contact %d %s\n", id, contact.Address)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name of the contact")
	return cmd
}

func newContactListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *config.ClientConfig, store *storage.Store) error {
				contacts, err := store.ListContacts()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tADDRESS\tNAME\tSTATUS\tFINGERPRINT\tADDED")
				for _, c := range contacts {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Address, c.Name, c.Status,
						crypto.FormatFingerprint(c.KeyFingerprint), time.UnixMilli(c.AddedTimestamp).Format(time.DateOnly))
				}
				return w.Flush()
			})
		},
	}
}

func newContactTrustCommand() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "trust ADDRESS",
		Short: "Certify a contact's key with the account key and mark it trusted",
		Long: `trust signs the contact's user id with the account master key after the
fingerprint was compared out of band. A new key file may be given to replace
the stored key first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *config.ClientConfig, store *storage.Store) error {
				contact, err := store.GetContactByAddress(args[0])
				if err != nil {
					return fmt.Errorf("contact %s: %w", args[0], err)
				}
				ring := contact.PublicKey
				if keyFile != "" {
					if ring, _, err = readContactKey(keyFile); err != nil {
						return err
					}
				}
				if len(ring) == 0 {
					return fmt.Errorf("contact %s has no public key", contact.Address)
				}

				keys, err := loadKeyMaterial(cfg)
				if err != nil {
					return err
				}
				entity, err := crypto.ParsePublicKey(ring)
				if err != nil {
					return err
				}
				identity, err := crypto.IdentityFor(entity, contact.Address)
				if err != nil {
					return err
				}
				signed, err := keys.SignKey(ring, identity)
				if err != nil {
					return err
				}

				fingerprint := hex.EncodeToString(entity.PrimaryKey.Fingerprint[:])
				if err := store.UpdateContactKey(contact.ID, signed, fingerprint); err != nil {
					return err
				}
				if err := store.SetContactStatus(contact.ID, storage.ContactStatusTrusted); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Certified %q\nFingerprint: %s\n", identity, crypto.FormatFingerprint(fingerprint))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "public key file replacing the stored key")
	return cmd
}

func newContactStatusCommand(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ADDRESS",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *config.ClientConfig, store *storage.Store) error {
				contact, err := store.GetContactByAddress(args[0])
				if err != nil {
					return fmt.Errorf("contact %s: %w", args[0], err)
				}
				return store.SetContactStatus(contact.ID, status)
			})
		},
	}
}

// readContactKey reads a public key file and returns its ring and hex
// fingerprint.
func readContactKey(path string) ([]byte, string, error) {
	ring, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read key file: %w", err)
	}
	entity, err := crypto.ParsePublicKey(ring)
	if err != nil {
		return nil, "", err
	}
	return ring, hex.EncodeToString(entity.PrimaryKey.Fingerprint[:]), nil
}
