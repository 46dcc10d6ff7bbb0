package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ernie/tapledger/internal/auth"
	"github.com/ernie/tapledger/internal/config"
	"github.com/ernie/tapledger/internal/storage"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

// cliFlags returns a flag set with the shared --config option registered
func cliFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	return fs, configPath
}

// openCLIStore loads the config and opens its database
func openCLIStore(ctx context.Context, configPath string) (*config.Config, *storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func cmdAdmin(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: admin subcommand required: add, remove, list, reset, toggle\n")
		os.Exit(1)
	}

	subCmd := args[0]
	fs, configPath := cliFlags("admin " + subCmd)
	isAdmin := fs.Bool("admin", false, "grant admin rights (add only)")
	fs.Parse(args[1:])
	remaining := fs.Args()

	ctx := context.Background()
	_, store, err := openCLIStore(ctx, *configPath)
	if err != nil {
		fail(err)
	}
	defer store.Close()

	switch subCmd {
	case "add":
		err = cmdAdminAdd(ctx, store, remaining, *isAdmin)
	case "remove":
		err = cmdAdminRemove(ctx, store, remaining)
	case "list":
		err = cmdAdminList(ctx, store)
	case "reset":
		err = cmdAdminReset(ctx, store, remaining)
	case "toggle":
		err = cmdAdminToggle(ctx, store, remaining)
	default:
		err = fmt.Errorf("unknown admin command: %s (use: add, remove, list, reset, toggle)", subCmd)
	}
	if err != nil {
		fail(err)
	}
}

// readNewPassword prompts twice without echo
func readNewPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if err := auth.ValidatePassword(string(password)); err != nil {
		return "", err
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(password), nil
}

func cmdAdminAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tapledger admin add [--admin] <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("operator '%s' already exists", username)
	}

	password, err := readNewPassword("Enter password: ")
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.CreateUser(ctx, username, hash, isAdmin); err != nil {
		return fmt.Errorf("failed to create operator: %w", err)
	}

	role := "operator"
	if isAdmin {
		role = "admin"
	}
	fmt.Printf("Created %s '%s' (password change required on first login)\n", role, username)
	return nil
}

func cmdAdminRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tapledger admin remove <username>")
	}
	username := args[0]

	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove operator: %w", err)
	}

	fmt.Printf("Operator '%s' removed\n", username)
	return nil
}

func cmdAdminList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list operators: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No operators configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tPWD_CHANGE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t----------\t----------")

	for _, user := range users {
		role := "operator"
		if user.IsAdmin {
			role = "admin"
		}
		pwdChange := "no"
		if user.PasswordChangeRequired {
			pwdChange = "yes"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", user.Username, role, pwdChange, lastLogin)
	}
	return w.Flush()
}

func cmdAdminReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tapledger admin reset <username>")
	}
	username := args[0]

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("operator not found: %s", username)
	}

	password, err := readNewPassword("Enter new password: ")
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.ResetUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password reset for '%s' (change required on next login)\n", username)
	return nil
}

func cmdAdminToggle(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tapledger admin toggle <username>")
	}
	username := args[0]

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("operator not found: %s", username)
	}

	newAdminStatus := !user.IsAdmin
	if err := store.UpdateUserAdmin(ctx, user.ID, newAdminStatus); err != nil {
		return fmt.Errorf("failed to update admin status: %w", err)
	}

	if newAdminStatus {
		fmt.Printf("Operator '%s' is now an admin\n", username)
	} else {
		fmt.Printf("Operator '%s' is no longer an admin\n", username)
	}
	return nil
}
