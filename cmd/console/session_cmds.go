package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/elevated"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errEmptyPassword = errors.New("a password is required")
)

func loginCmd(c *cli) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in as staff or a school admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.signIn(cmd, email, func(ctx context.Context, creds session.Credentials) (*credentials.Session, error) {
				app, err := c.app()
				if err != nil {
					return nil, err
				}
				return app.Sessions.Login(ctx, creds)
			})
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email, prompted when omitted")
	return cmd
}

func superuserLoginCmd(c *cli) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "superuser-login",
		Short: "Sign in as the configured operator with superuser access",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.signIn(cmd, email, func(ctx context.Context, creds session.Credentials) (*credentials.Session, error) {
				app, err := c.app()
				if err != nil {
					return nil, err
				}
				return app.Bridge.Login(ctx, creds)
			})
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "Operator email, prompted when omitted")
	return cmd
}

func (c *cli) signIn(cmd *cobra.Command, email string, login func(context.Context, session.Credentials) (*credentials.Session, error)) error {
	in := bufio.NewReader(cmd.InOrStdin())
	if email == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Email: ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		email = strings.TrimSpace(line)
	}
	password, err := promptPassword(cmd)
	if err != nil {
		return err
	}

	sess, err := login(cmd.Context(), session.Credentials{Email: email, Password: password})
	if err != nil {
		log.Debug().Err(err).Msg("sign in failed")
		return userError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", sess.Profile.Email, sess.Role)
	return nil
}

func logoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			if _, err := app.Sessions.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func whoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user as the backend currently knows them",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			profile, err := app.Sessions.RefetchProfile(cmd.Context())
			if errors.Is(err, apperrors.ErrNetworkUnavailable) {
				log.Warn().Err(err).Msg("backend unreachable, showing the stored profile")
				profile, err = app.Sessions.CurrentUser(cmd.Context())
			}
			if err != nil {
				return userError(err)
			}
			if profile == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\nrole: %s\ndashboard: %s\n",
				profile.Name, profile.Email, profile.Role, profile.Role.Dashboard())
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print the bcrypt hash to configure as the operator password",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword(cmd)
			if err != nil {
				return err
			}
			hash, err := elevated.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func promptPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "Password: ")
	pwd, err := readPasswordFunc(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		return "", errEmptyPassword
	}
	return string(pwd), nil
}

// userError replaces err with the message a person at the terminal should see.
func userError(err error) error {
	return errors.New(apperrors.UserMessage(err))
}
