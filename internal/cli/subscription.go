package cli

import (
	"context"
	"io"
	"time"

	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	"github.com/spf13/cobra"
)

func newSubscriptionCmd(out *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Grant, prolong and cancel subscriptions",
	}
	cmd.AddCommand(
		newSubscriptionGrantCmd(out),
		newSubscriptionProlongCmd(out),
		newSubscriptionCancelCmd(out),
		newSubscriptionListCmd(out),
		newSubscriptionExpiringCmd(out),
	)
	return cmd
}

func newSubscriptionGrantCmd(out *output) *cobra.Command {
	var (
		user     string
		plan     string
		quantity int64
		start    string
		end      string
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Subscribe a user to a plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := parseUserID(user)
			if err != nil {
				return err
			}
			startAt, err := parseInstant(start)
			if err != nil {
				return err
			}
			endAt, err := parseInstant(end)
			if err != nil {
				return err
			}

			var svc subscriptiondomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				sub, err := svc.Grant(ctx, subscriptiondomain.GrantRequest{
					UserID:   userID,
					PlanCode: plan,
					Quantity: quantity,
					Start:    startAt,
					End:      endAt,
				})
				if err != nil {
					return err
				}
				return writeSubscriptions(cmd, out, []subscriptiondomain.Subscription{*sub})
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan codename")
	cmd.Flags().Int64Var(&quantity, "quantity", 1, "Number of plan units")
	cmd.Flags().StringVar(&start, "start", "", "Start instant (default: now)")
	cmd.Flags().StringVar(&end, "end", "", "End instant (default: one charge period)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newSubscriptionProlongCmd(out *output) *cobra.Command {
	return &cobra.Command{
		Use:   "prolong <subscription-id>",
		Short: "Extend a subscription by one charge period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("subscription id", args[0])
			if err != nil {
				return err
			}
			var svc subscriptiondomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				sub, err := svc.Prolong(ctx, id)
				if err != nil {
					return err
				}
				return writeSubscriptions(cmd, out, []subscriptiondomain.Subscription{*sub})
			}, &svc)
		},
	}
}

func newSubscriptionCancelCmd(out *output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <subscription-id>",
		Short: "End a subscription now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("subscription id", args[0])
			if err != nil {
				return err
			}
			var svc subscriptiondomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				sub, err := svc.Cancel(ctx, id)
				if err != nil {
					return err
				}
				return writeSubscriptions(cmd, out, []subscriptiondomain.Subscription{*sub})
			}, &svc)
		},
	}
}

func newSubscriptionListCmd(out *output) *cobra.Command {
	var user, at string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the subscriptions active at an instant",
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
			var svc subscriptiondomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				subs, err := svc.ListActive(ctx, userID, instant)
				if err != nil {
					return err
				}
				return writeSubscriptions(cmd, out, subs)
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&at, "at", "", "Instant (default: now)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSubscriptionExpiringCmd(out *output) *cobra.Command {
	var within time.Duration

	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "List subscriptions ending soon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var svc subscriptiondomain.Service
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				subs, err := svc.ListExpiring(ctx, within)
				if err != nil {
					return err
				}
				return writeSubscriptions(cmd, out, subs)
			}, &svc)
		},
	}

	cmd.Flags().DurationVar(&within, "within", 72*time.Hour, "Look-ahead window")
	return cmd
}

func writeSubscriptions(cmd *cobra.Command, out *output, subs []subscriptiondomain.Subscription) error {
	return out.write(cmd, subs, func(w io.Writer) error {
		row(w, "ID", "USER", "PLAN", "QUANTITY", "START", "END")
		for _, s := range subs {
			row(w, s.ID, s.UserID, s.PlanID, s.Quantity, s.StartAt, s.EndAt)
		}
		return nil
	})
}
