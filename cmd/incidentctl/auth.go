package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/incidentwatch/internal/api"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the token in the system keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if username == "" {
			if username, err = prompt("Username: "); err != nil {
				return err
			}
		}
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}

		session, err := rt.Client.Login(cmd.Context(), username, password)
		if err != nil {
			if api.IsAuthError(err) {
				return fmt.Errorf("login failed: incorrect username or password")
			}
			return fmt.Errorf("login failed: %w", err)
		}

		if err := rt.Keyring.Store(session.Token); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		fmt.Printf("Logged in as %s\n", username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Keyring.Clear(); err != nil {
			return fmt.Errorf("clearing token: %w", err)
		}
		fmt.Println("Logged out")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the incident service",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		email, _ := cmd.Flags().GetString("email")
		if username == "" || email == "" {
			return fmt.Errorf("--username and --email are required")
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}

		user, err := rt.Client.Register(cmd.Context(), api.Registration{
			Username: username,
			Email:    email,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Printf("Registered %s (id %d). Run `incidentctl login` next.\n", user.Username, user.ID)
		return nil
	},
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo when stdin is a terminal.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(label)
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "account name")
	registerCmd.Flags().String("username", "", "account name")
	registerCmd.Flags().String("email", "", "email address")

	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd)
}
