package cli

import (
	"context"
	"io"

	entitlementdomain "github.com/smallbiznis/allowance/internal/entitlement/domain"
	"github.com/spf13/cobra"
)

func newFeaturesCmd(out *output) *cobra.Command {
	var user, at, has string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "List the features a user is entitled to",
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

			var svc entitlementdomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				if has != "" {
					ok, err := svc.HasFeature(ctx, userID, has, instant)
					if err != nil {
						return err
					}
					result := map[string]bool{has: ok}
					return out.write(cmd, result, func(w io.Writer) error {
						row(w, "FEATURE", "GRANTED")
						row(w, has, ok)
						return nil
					})
				}

				features, err := svc.Features(ctx, userID, instant)
				if err != nil {
					return err
				}
				return out.write(cmd, features, func(w io.Writer) error {
					row(w, "FEATURE", "NAME", "NEGATIVE")
					for _, f := range features {
						row(w, f.Codename, f.Name, f.IsNegative)
					}
					return nil
				})
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&at, "at", "", "Instant (default: now)")
	cmd.Flags().StringVar(&has, "has", "", "Only check this feature codename")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
