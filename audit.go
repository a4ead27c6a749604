package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"securechat/config"
	"securechat/storage"
)

func newAuditCommand() *cobra.Command {
	var (
		filter storage.SecurityEventFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded security events",
		Long: `audit prints the security event log, newest first: undecryptable or
unverifiable messages, receipts from unknown senders and key revocations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withStore(func(cfg *config.ClientConfig, store *storage.Store) error {
				store.SetSecurityEventRetention(cfg.AuditRetention())
				events, err := store.SecurityEvents(filter)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tCONTACT\tDETAILS")
				for _, e := range events {
					contact := "-"
					if e.ContactAddress != nil {
						contact = *e.ContactAddress
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						time.UnixMilli(e.Timestamp).Format(time.RFC3339), e.Severity, e.EventType, contact, e.Details)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filter.EventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&filter.ContactAddress, "contact", "", "only events about this contact address")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "only events of this severity (info, warning, critical)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of events")
	return cmd
}
