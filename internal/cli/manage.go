package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-sync-hub/internal/models"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-system backlog, watermarks and running syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.SyncStatus
			if err := call(cmd.Context(), opts, http.MethodGet, "/v1/sync/status", nil, nil, &st); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
				fmt.Fprintf(w, "pending changes: %d\tfailed: %d\tconflicts: %d\n", st.PendingChanges, st.FailedChanges, st.PendingConflicts)
				fmt.Fprintln(w, "SYSTEM\tENABLED\tPENDING\tFAILED\tCONFLICTS\tUPLOADED TO\tDOWNLOADED TO\tLAST\tRUNNING")
				for _, s := range st.Systems {
					fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
						s.SystemID, s.Enabled, s.PendingCount, s.FailedCount, s.PendingConflicts,
						formatTime(s.LastUploadWatermark), formatTime(s.LastDownloadWatermark),
						dash(s.LastStatus), running(s))
				}
			})
		},
	}
}

func running(s models.SystemStatus) string {
	switch {
	case s.UploadInProgress && s.DownloadInProgress:
		return "upload,download"
	case s.UploadInProgress:
		return "upload"
	case s.DownloadInProgress:
		return "download"
	}
	return "-"
}

func newConflictsCommand(opts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			var res struct {
				Conflicts []models.SyncConflict `json:"conflicts"`
			}
			if err := call(cmd.Context(), opts, http.MethodGet, "/v1/sync/conflicts", q, nil, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tSYSTEM\tENTITY\tREMOTE OP\tDETECTED\tRESOLUTION")
				for _, c := range res.Conflicts {
					fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
						c.ID, c.SystemID, c.EntityType, c.EntityID, c.RemoteOperation, formatTime(c.DetectedAt), c.Resolution)
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "filter by resolution (pending|local|remote, empty for all)")
	return cmd
}

func newResolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <local|remote>",
		Short: "Resolve a conflict by keeping the local or the remote version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"conflictId": args[0], "resolution": args[1]}
			var c models.SyncConflict
			if err := call(cmd.Context(), opts, http.MethodPost, "/v1/sync/conflicts/resolve", nil, body, &c); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, c, func(w io.Writer) {
				fmt.Fprintf(w, "conflict %s on %s/%s resolved: %s\n", c.ID, c.EntityType, c.EntityID, c.Resolution)
			})
		},
	}
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	var changeID int64
	cmd := &cobra.Command{
		Use:   "retry [system-id]",
		Short: "Requeue failed deliveries, optionally for one system or change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"changeId": changeID}
			if len(args) == 1 {
				body["systemId"] = args[0]
			}
			var res struct {
				Requeued int `json:"requeued"`
			}
			if err := call(cmd.Context(), opts, http.MethodPost, "/v1/sync/retry", nil, body, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "%d deliveries requeued\n", res.Requeued)
			})
		},
	}
	cmd.Flags().Int64Var(&changeID, "change", 0, "only requeue this change record")
	return cmd
}

func newDeliveriesCommand(opts *RootOptions) *cobra.Command {
	var (
		systemID string
		changeID int64
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show the delivery log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if systemID != "" {
				q.Set("systemId", systemID)
			}
			if changeID > 0 {
				q.Set("changeId", strconv.FormatInt(changeID, 10))
			}
			var res struct {
				Deliveries []models.DeliveryLogEntry `json:"deliveries"`
			}
			if err := call(cmd.Context(), opts, http.MethodGet, "/v1/sync/deliveries", q, nil, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintln(w, "TIME\tSYSTEM\tDIR\tEVENT\tCHANGE\tATTEMPT\tHTTP\tSTATUS\tERROR")
				for _, e := range res.Deliveries {
					change := "-"
					if e.ChangeRecordID != nil {
						change = strconv.FormatInt(*e.ChangeRecordID, 10)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
						formatTime(e.CreatedAt), e.SystemID, e.Direction, e.EventType, change,
						e.AttemptNumber, e.HTTPStatus, e.Status, dash(e.Error))
				}
			})
		},
	}
	cmd.Flags().StringVar(&systemID, "system", "", "filter by system id")
	cmd.Flags().Int64Var(&changeID, "change", 0, "filter by change record id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newSystemsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systems",
		Short: "List registered external systems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Systems []models.ExternalSystem `json:"systems"`
			}
			if err := call(cmd.Context(), opts, http.MethodGet, "/v1/sync/systems", nil, nil, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tNAME\tENABLED\tENDPOINT\tEVENTS")
				for _, s := range res.Systems {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%v\n", s.ID, s.Name, s.Enabled, s.EndpointURL, s.Events)
				}
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test <system-id>",
		Short: "Send a signed ping to an external system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				OK         bool   `json:"ok"`
				HTTPStatus int    `json:"httpStatus"`
				DurationMs int64  `json:"durationMs"`
				Error      string `json:"error"`
			}
			path := "/v1/sync/systems/" + url.PathEscape(args[0]) + "/test"
			if err := call(cmd.Context(), opts, http.MethodPost, path, nil, nil, &res); err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: ok=%t http=%d in %dms %s\n", args[0], res.OK, res.HTTPStatus, res.DurationMs, res.Error)
			}); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("system %s did not accept the ping", args[0])
			}
			return nil
		},
	})
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
