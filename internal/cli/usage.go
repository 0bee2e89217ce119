package cli

import (
	"context"
	"io"

	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"github.com/spf13/cobra"
)

func newUsageCmd(out *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Read and append the usage ledger",
	}
	cmd.AddCommand(
		newUsageListCmd(out),
		newUsageGetCmd(out),
		newUsageRecordCmd(out),
	)
	return cmd
}

func newUsageListCmd(out *output) *cobra.Command {
	var (
		user      string
		resource  string
		pageToken string
		pageSize  int32
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's usages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := parseUserID(user)
			if err != nil {
				return err
			}

			var svc usagedomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				res, err := svc.List(ctx, usagedomain.ListUsageRequest{
					UserID:    userID,
					Resource:  resource,
					PageToken: pageToken,
					PageSize:  pageSize,
				})
				if err != nil {
					return err
				}
				return out.write(cmd, res, func(w io.Writer) error {
					row(w, "ID", "RESOURCE", "AMOUNT", "AT")
					for _, u := range res.Usages {
						row(w, u.ID, u.ResourceID, u.Amount, u.At)
					}
					if res.HasMore {
						row(w)
						row(w, "next page:", res.NextPageToken)
					}
					return nil
				})
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&resource, "resource", "", "Only this resource codename")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")
	cmd.Flags().Int32Var(&pageSize, "page-size", 50, "Usages per page")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newUsageGetCmd(out *output) *cobra.Command {
	return &cobra.Command{
		Use:   "get <usage-id>",
		Short: "Show one usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("usage id", args[0])
			if err != nil {
				return err
			}
			var svc usagedomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				u, err := svc.Get(ctx, id)
				if err != nil {
					return err
				}
				return writeUsage(cmd, out, u)
			}, &svc)
		},
	}
}

func newUsageRecordCmd(out *output) *cobra.Command {
	var (
		user     string
		resource string
		amount   int64
		at       string
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append a usage, checking the balance at its instant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := parseUserID(user)
			if err != nil {
				return err
			}
			instant, err := parseInstant(at)
			if err != nil {
				return err
			}

			var svc quotadomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				u, err := svc.RecordUsage(ctx, quotadomain.UsageRecord{
					UserID:   userID,
					Resource: resource,
					Amount:   amount,
					At:       instant,
					Metadata: toMetadata(metadata),
				})
				if err != nil {
					return err
				}
				return writeUsage(cmd, out, u)
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&resource, "resource", "", "Resource codename")
	cmd.Flags().Int64Var(&amount, "amount", 1, "Units consumed")
	cmd.Flags().StringVar(&at, "at", "", "Instant of the usage (default: now)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata stored with the usage (key=value)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func writeUsage(cmd *cobra.Command, out *output, u *usagedomain.Usage) error {
	return out.write(cmd, u, func(w io.Writer) error {
		row(w, "ID", "USER", "RESOURCE", "AMOUNT", "AT")
		row(w, u.ID, u.UserID, u.ResourceID, u.Amount, u.At)
		return nil
	})
}
