package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nyashahama/workspace-billing-backend/internal/checkout"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// reconcileCmd runs the verification flow for one checkout session on behalf
// of a user, for support cases where the browser never came back.
func reconcileCmd() *cobra.Command {
	var (
		sessionID string
		userID    string
		orgID     string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a Stripe checkout session as the given user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			caller, err := callerFor(ctx, a.store, userID, orgID, time.Now())
			if err != nil {
				return err
			}

			res, err := a.checkout.Verify(ctx, sessionID, caller)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "Stripe checkout session id (cs_...)")
	cmd.Flags().StringVar(&userID, "user-id", "", "id of the user who paid")
	cmd.Flags().StringVar(&orgID, "organization-id", "", "active organization (default: from the user's latest session)")
	_ = cmd.MarkFlagRequired("session-id")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}

// callerFor builds the caller the way the auth middleware would: the stored
// user plus the active organization of their latest live session, unless
// orgID overrides it.
func callerFor(ctx context.Context, st store.Sessions, userID, orgID string, now time.Time) (checkout.Caller, error) {
	user, err := st.GetUser(ctx, userID)
	if err != nil {
		return checkout.Caller{}, fmt.Errorf("reconcile: load user %s: %w", userID, err)
	}

	if orgID == "" {
		sess, err := st.LatestSessionForUser(ctx, userID, now)
		switch {
		case err == nil:
			orgID = sess.ActiveOrganizationID
		case !errors.Is(err, store.ErrNotFound):
			return checkout.Caller{}, fmt.Errorf("reconcile: load session of %s: %w", userID, err)
		}
	}

	return checkout.Caller{
		UserID:               user.ID,
		Email:                user.Email,
		ActiveOrganizationID: orgID,
	}, nil
}
