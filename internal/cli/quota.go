package cli

import (
	"context"
	"io"
	"sort"

	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"github.com/spf13/cobra"
)

func newQuotaCmd(out *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and consume resource quotas",
	}
	cmd.AddCommand(
		newQuotaRemainingCmd(out),
		newQuotaUseCmd(out),
	)
	return cmd
}

func newQuotaRemainingCmd(out *output) *cobra.Command {
	var (
		user     string
		at       string
		resource string
		chunks   bool
	)

	cmd := &cobra.Command{
		Use:   "remaining",
		Short: "Show what is left of each resource at an instant",
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
				if chunks || resource != "" {
					list, err := svc.RemainingChunks(ctx, quotadomain.ChunksRequest{
						UserID:   userID,
						At:       instant,
						Resource: resource,
					})
					if err != nil {
						return err
					}
					if !chunks {
						return writeAmounts(cmd, out, sumChunks(list))
					}
					return out.write(cmd, list, func(w io.Writer) error {
						row(w, "RESOURCE", "START", "END", "REMAINS")
						for _, c := range list {
							row(w, c.Resource, c.Start, c.End, c.Remains)
						}
						return nil
					})
				}

				amounts, err := svc.RemainingAmount(ctx, userID, instant)
				if err != nil {
					return err
				}
				return writeAmounts(cmd, out, amounts)
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&at, "at", "", "Instant (default: now)")
	cmd.Flags().StringVar(&resource, "resource", "", "Only this resource codename")
	cmd.Flags().BoolVar(&chunks, "chunks", false, "List individual chunks instead of totals")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newQuotaUseCmd(out *output) *cobra.Command {
	var (
		user     string
		resource string
		amount   int64
		noRaise  bool
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "use",
		Short: "Consume a resource now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := parseUserID(user)
			if err != nil {
				return err
			}

			var svc quotadomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				res, err := svc.UseResource(ctx, quotadomain.UseResourceRequest{
					UserID:   userID,
					Resource: resource,
					Amount:   amount,
					Raises:   !noRaise,
					Metadata: toMetadata(metadata),
				}, nil)
				if err != nil {
					return err
				}
				return out.write(cmd, res, func(w io.Writer) error {
					row(w, "RESERVED", "RESOURCE", "AMOUNT", "AVAILABLE", "REMAINS", "USAGE", "AT")
					row(w, res.Reserved, res.Resource, res.Amount, res.Available, res.Remains, res.UsageID, res.At)
					return nil
				})
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&resource, "resource", "", "Resource codename")
	cmd.Flags().Int64Var(&amount, "amount", 1, "Units to consume")
	cmd.Flags().BoolVar(&noRaise, "no-raise", false, "Report a short balance instead of failing")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata stored with the usage (key=value)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func sumChunks(chunks []quotadomain.Chunk) map[string]int64 {
	out := make(map[string]int64)
	for _, c := range chunks {
		out[c.Resource] += c.Remains
	}
	return out
}

func writeAmounts(cmd *cobra.Command, out *output, amounts map[string]int64) error {
	names := make([]string, 0, len(amounts))
	for name := range amounts {
		names = append(names, name)
	}
	sort.Strings(names)

	return out.write(cmd, amounts, func(w io.Writer) error {
		row(w, "RESOURCE", "REMAINING")
		for _, name := range names {
			row(w, name, amounts[name])
		}
		return nil
	})
}
