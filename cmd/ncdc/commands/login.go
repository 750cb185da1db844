package commands

import (
	"bufio"
	"errors"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/eachlabs/ncdc/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginEmail        string
	loginToken        string
	loginPasswordFile string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the token",
	Long: `Log in with email and password, or verify an existing token, and store
the token in the config file.

Examples:
  ncdc login
  ncdc login --email me@example.com --password-file ~/.ncdc/password
  ncdc login --token "$TOKEN"`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token and session state",
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "use an existing token instead of a password")
	loginCmd.Flags().StringVar(&loginPasswordFile, "password-file", "", "read the password from a file")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	email := loginEmail
	var password string
	if loginToken == "" {
		if email == "" {
			email = cfg.Account.Email
		}
		if email == "" {
			if email, err = prompt("Email: "); err != nil {
				return err
			}
		}
		if password, err = readPassword(loginPasswordFile); err != nil {
			return err
		}
	}

	c, s, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.Run(cmd.Context(), func(ctx context.Context) error {
		if loginToken != "" {
			s.SetToken(loginToken)
			return s.Identify(ctx)
		}
		return s.Login(ctx, email, password)
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cfg.Account.Token = s.Token()
	if email != "" {
		cfg.Account.Email = email
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	fmt.Printf("Logged in as %s\n", s.Self().FullName())
	fmt.Printf("Token saved to %s\n", configPath())
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Account.Token == "" {
		fmt.Println("Not logged in.")
		return nil
	}

	c, s, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// The state file is named after the account, so look it up first. A
	// token that no longer works still gets removed.
	err = c.Run(cmd.Context(), func(ctx context.Context) error {
		if err := s.Identify(ctx); err != nil {
			return err
		}
		return s.Forget()
	})
	if err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
		fmt.Fprintf(os.Stderr, "Warning: could not remove session state: %v\n", err)
	}

	cfg.Account.Token = ""
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no input")
	}
	return line, nil
}

// readPassword reads the password from path, or prompts on the terminal
// with echo disabled when path is empty or "-".
func readPassword(path string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for password prompt (use --password-file or --token)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
