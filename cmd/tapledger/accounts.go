package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ernie/tapledger/internal/auth"
	"github.com/ernie/tapledger/internal/config"
	"github.com/ernie/tapledger/internal/domain"
	"github.com/ernie/tapledger/internal/events"
	"github.com/ernie/tapledger/internal/ledger"
	"github.com/ernie/tapledger/internal/storage"
)

// cliLedger serializes CLI mutations with the same per-account rules as the
// server. Events reach a running server's subscribers only through NATS.
type cliLedger struct {
	store *storage.Store
	bus   *events.Bus
	svc   *ledger.Service
}

func openCLILedger(ctx context.Context, configPath string) (*cliLedger, error) {
	cfg, store, err := openCLIStore(ctx, configPath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	if natsURL := cliNATSURL(cfg); natsURL != "" {
		if err := bus.ConnectNATS(natsURL, cfg.Events.SubjectPrefix); err != nil {
			log.Printf("Warning: %v; change will not be announced", err)
		}
	}

	// Operator changes are not client requests, so there is no init data to verify
	svc := ledger.NewService(store, nil, bus, ledgerOptions(cfg.Ledger))
	return &cliLedger{store: store, bus: bus, svc: svc}, nil
}

// cliNATSURL points at the configured broker, or at the server's embedded one
func cliNATSURL(cfg *config.Config) string {
	if cfg.Events.NATSURL != "" {
		return cfg.Events.NATSURL
	}
	if cfg.Events.EmbeddedNATS {
		return fmt.Sprintf("nats://%s:%d", cfg.Server.ListenAddr, cfg.Events.NATSPort)
	}
	return ""
}

func (l *cliLedger) Close() {
	l.bus.Close()
	l.store.Close()
}

func cmdAccounts(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: accounts subcommand required: list, show, ban, unban, adjust, delete\n")
		os.Exit(1)
	}

	subCmd := args[0]
	fs, configPath := cliFlags("accounts " + subCmd)
	limit := fs.Int("limit", 50, "maximum number of accounts to list")
	offset := fs.Int("offset", 0, "number of accounts to skip")
	set := fs.Bool("set", false, "overwrite the balance instead of adding to it")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.Parse(args[1:])
	remaining := fs.Args()

	ctx := context.Background()
	l, err := openCLILedger(ctx, *configPath)
	if err != nil {
		fail(err)
	}
	defer l.Close()

	switch subCmd {
	case "list":
		err = cmdAccountsList(ctx, l, *limit, *offset)
	case "show":
		err = cmdAccountsShow(ctx, l, remaining)
	case "ban":
		err = cmdAccountsBan(ctx, l, remaining, true)
	case "unban":
		err = cmdAccountsBan(ctx, l, remaining, false)
	case "adjust":
		err = cmdAccountsAdjust(ctx, l, remaining, *set)
	case "delete":
		err = cmdAccountsDelete(ctx, l, remaining, *yes)
	default:
		err = fmt.Errorf("unknown accounts command: %s (use: list, show, ban, unban, adjust, delete)", subCmd)
	}
	if err != nil {
		fail(err)
	}
}

func formatSyncTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func cmdAccountsList(ctx context.Context, l *cliLedger, limit, offset int) error {
	accounts, total, err := l.store.ListAccounts(ctx, limit, offset)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBALANCE\tEARNED\tENERGY\tREFERRALS\tSTATUS\tLAST_SYNC")
	fmt.Fprintln(w, "--\t----\t-------\t------\t------\t---------\t------\t---------")

	for _, a := range accounts {
		status := "active"
		if a.Banned {
			status = "banned"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			a.ID, a.DisplayName, formatAmount(a.Balance), formatAmount(a.CumulativeEarned),
			a.Energy, a.MaxEnergy(), a.ReferralCount, status, formatSyncTime(a.LastSyncAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nShowing %d-%d of %d\n", offset+1, offset+len(accounts), total)
	return nil
}

func cmdAccountsShow(ctx context.Context, l *cliLedger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tapledger accounts show <id>")
	}

	a, err := l.store.GetAccount(ctx, args[0])
	if err != nil {
		return accountError(args[0], err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", a.ID)
	fmt.Fprintf(w, "Name:\t%s\n", a.DisplayName)
	fmt.Fprintf(w, "Balance:\t%s\n", formatAmount(a.Balance))
	fmt.Fprintf(w, "Earned / spent:\t%s / %s\n", formatAmount(a.CumulativeEarned), formatAmount(a.CumulativeSpent))
	fmt.Fprintf(w, "Energy:\t%d/%d (pending %d)\n", a.Energy, a.MaxEnergy(), a.PendingEnergyCredit)
	fmt.Fprintf(w, "Tiers:\tdamage %d, capacity %d, recovery %d\n", a.Tiers.Damage, a.Tiers.Capacity, a.Tiers.Recovery)
	fmt.Fprintf(w, "Rank:\t%d\n", a.Rank)
	if a.ReferrerID != "" {
		fmt.Fprintf(w, "Referred by:\t%s (paid %s)\n", a.ReferrerID, formatAmount(a.EarningsCreditedToReferrer))
	}
	fmt.Fprintf(w, "Referrals:\t%d\n", a.ReferralCount)
	fmt.Fprintf(w, "Tasks:\t%s\n", strings.Join(a.CompletedTasks, ", "))
	fmt.Fprintf(w, "Banned:\t%t\n", a.Banned)
	fmt.Fprintf(w, "Session:\t%t\n", a.SessionToken != "")
	fmt.Fprintf(w, "Created:\t%s\n", formatSyncTime(a.CreatedAt))
	fmt.Fprintf(w, "Last sync:\t%s\n", formatSyncTime(a.LastSyncAt))
	fmt.Fprintf(w, "Version:\t%d\n", a.Version)
	if err := w.Flush(); err != nil {
		return err
	}

	invitees, err := l.store.ListInvitees(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("failed to list invitees: %w", err)
	}
	if len(invitees) == 0 {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INVITEE\tNAME\tEARNED\tPAID_TO_REFERRER")
	fmt.Fprintln(w, "-------\t----\t------\t----------------")
	for _, inv := range invitees {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inv.ID, inv.DisplayName,
			formatAmount(inv.CumulativeEarned), formatAmount(inv.EarningsCreditedToReferrer))
	}
	return w.Flush()
}

func cmdAccountsBan(ctx context.Context, l *cliLedger, args []string, banned bool) error {
	if len(args) < 1 {
		if banned {
			return fmt.Errorf("usage: tapledger accounts ban <id>")
		}
		return fmt.Errorf("usage: tapledger accounts unban <id>")
	}

	if _, err := l.svc.SetBanned(ctx, args[0], banned); err != nil {
		return accountError(args[0], err)
	}

	if banned {
		fmt.Printf("Account %s banned\n", args[0])
	} else {
		fmt.Printf("Account %s unbanned\n", args[0])
	}
	return nil
}

func cmdAccountsAdjust(ctx context.Context, l *cliLedger, args []string, set bool) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: tapledger accounts adjust <id> <amount> [--set]")
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[1])
	}

	var a *domain.Account
	if set {
		a, err = l.svc.SetBalance(ctx, args[0], amount)
	} else {
		a, err = l.svc.AdjustBalance(ctx, args[0], amount)
	}
	if err != nil {
		return accountError(args[0], err)
	}

	fmt.Printf("Account %s balance is now %s\n", a.ID, formatAmount(a.Balance))
	return nil
}

func cmdAccountsDelete(ctx context.Context, l *cliLedger, args []string, yes bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tapledger accounts delete [--yes] <id>")
	}
	id := args[0]

	if !yes {
		fmt.Printf("Delete account %s? Its referral credits are removed and invitees stop paying commission. [y/N] ", id)
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := l.svc.DeleteAccount(ctx, id); err != nil {
		return accountError(id, err)
	}

	fmt.Printf("Account %s deleted\n", id)
	return nil
}

func accountError(id string, err error) error {
	if errors.Is(err, domain.ErrAccountNotFound) {
		return fmt.Errorf("account not found: %s", id)
	}
	return err
}

// cmdSignInit prints init data signed with the configured bot token, for
// exercising a running server with curl
func cmdSignInit(args []string) {
	fs, configPath := cliFlags("sign-init")
	name := fs.String("name", "Player", "first_name to embed in the user field")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fail(fmt.Errorf("usage: tapledger sign-init [--name NAME] <account-id>"))
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fail(fmt.Errorf("account id must be numeric: %s", fs.Arg(0)))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(fmt.Errorf("failed to load config from %s: %w", *configPath, err))
	}
	if cfg.Auth.BotToken == "" {
		fail(fmt.Errorf("auth.bot_token is not set; the server accepts requests without init data"))
	}

	user, err := json.Marshal(map[string]interface{}{"id": id, "first_name": *name})
	if err != nil {
		fail(err)
	}
	fmt.Println(auth.SignInitData(cfg.Auth.BotToken, url.Values{
		"user":      {string(user)},
		"auth_date": {strconv.FormatInt(time.Now().Unix(), 10)},
	}))
}
