package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"activityharvest/internal/extract"
	"activityharvest/internal/fetcher"
)

func newCheckSessionCmd(flags *rootFlags) *cobra.Command {
	var athlete string
	cmd := &cobra.Command{
		Use:   "check-session",
		Short: "Fetch one athlete profile and report whether the session is logged in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if athlete == "" {
				users, _, err := a.store.GetUsers(ctx, 1, 0)
				if err != nil {
					return err
				}
				if len(users) == 0 {
					return errors.New("no athletes stored; pass --athlete")
				}
				athlete = users[0].ExternalID
			}

			sess, err := a.sessions.NewSession(ctx)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			target := fetcher.ProfileURL(a.baseURL, athlete, time.Now())
			page, err := sess.Fetch(ctx, target)
			if err != nil {
				return err
			}
			doc, err := extract.Parse(page.Body)
			if err != nil {
				return err
			}
			loggedIn := extract.LoggedIn(doc)
			a.logger.Info("session check",
				"athlete", athlete,
				"email", sess.Email,
				"proxy", sess.Proxy,
				"status", page.StatusCode,
				"logged_in", loggedIn,
			)
			fmt.Fprintf(cmd.OutOrStdout(), "athlete=%s status=%d logged_in=%t\n", athlete, page.StatusCode, loggedIn)
			if !loggedIn {
				return extract.ErrSessionExpired
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&athlete, "athlete", "", "athlete id to probe (default: newest stored athlete)")
	return cmd
}
