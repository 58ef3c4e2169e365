package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"e2ee/internal/audit"
	"e2ee/internal/domain"
)

func auditCmd() *cobra.Command {
	var (
		f     audit.Filter
		event string
		peer  string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Event = domain.AuditEvent(event)
			f.Peer = domain.DeviceID(peer)
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries, err := appCtx.GetAuditLog(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tPEER\tOUTCOME\tKIND")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, e.Timestamp.Format(time.RFC3339), e.Event, e.PeerDeviceID, e.Outcome, e.ErrorKind)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "only this event")
	cmd.Flags().StringVar(&peer, "peer", "", "only entries about this peer")
	cmd.Flags().StringVar((*string)(&f.Outcome), "outcome", "", "success, failure or warning")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "entries to skip")
	return cmd
}
