package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/config"
	"github.com/seers-hq/consultd/internal/consultctl"
	"github.com/seers-hq/consultd/internal/shared"
)

// version is reported in X-Client-Version and checked by the broker's version gate.
var version = "1.0.0"

var (
	configPath     = flag.String("config", "", "Path to client config file")
	serverURL      = flag.String("server-url", "", "Broker URL (or set CONSULTCTL_SERVER_URL env var)")
	credentialFile = flag.String("credential-file", "", "Refresh token file (or set CONSULTCTL_CREDENTIAL_FILE env var)")
	format         = flag.String("format", "table", "Output format: table or json")
	verbose        = flag.Bool("verbose", false, "Log transport activity to stderr")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" {
		printUsage()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}

	logger := zap.NewNop()
	if *verbose {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}
	defer logger.Sync()

	client := consultctl.New(cfg, version, logger)
	defer client.Close()
	client.OnLogout(func(err error) {
		fmt.Fprintf(os.Stderr, "Session ended: %v\n", err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "login":
		handleLogin(ctx, client, args[1:])
		return
	case "logout":
		requireSession(client)
		if err := client.Logout(ctx); err != nil {
			fatal(err)
		}
		fmt.Println("Logged out")
		return
	}

	requireSession(client)

	switch args[0] {
	case "request":
		handleRequest(ctx, client, args[1:])
	case "queue":
		handleQueue(ctx, client, args[1:])
	case "session":
		handleSession(ctx, client, args[1:])
	case "availability":
		handleAvailability(ctx, client, args[1:])
	case "wallet":
		handleWallet(ctx, client, args[1:])
	case "audit":
		handleAudit(ctx, client, args[1:])
	case "events":
		handleEvents(ctx, client)
	default:
		fatalf("unknown command %q", args[0])
	}
}

func loadConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if *serverURL == "" {
		*serverURL = os.Getenv("CONSULTCTL_SERVER_URL")
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *credentialFile == "" {
		*credentialFile = os.Getenv("CONSULTCTL_CREDENTIAL_FILE")
	}
	if *credentialFile != "" {
		cfg.CredentialFile = *credentialFile
	}
	if cfg.CredentialFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.CredentialFile = filepath.Join(home, ".config", "consultctl", "credentials")
		}
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func requireSession(client *consultctl.Client) {
	ok, err := client.Resume()
	if err != nil {
		fatal(err)
	}
	if !ok {
		fatalf("not logged in: run consultctl login <principal-id> <user|provider>")
	}
}

func handleLogin(ctx context.Context, client *consultctl.Client, args []string) {
	if len(args) < 2 {
		fatalf("login requires principal id and role (user or provider)")
	}
	role, err := shared.ParseRole(args[1])
	if err != nil {
		fatal(err)
	}
	secret := os.Getenv("CONSULTCTL_LOGIN_SECRET")
	if len(args) > 2 {
		secret = args[2]
	}
	if secret == "" {
		fatalf("login secret required (third argument or CONSULTCTL_LOGIN_SECRET env var)")
	}
	cred, err := client.Login(ctx, args[0], role, secret)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Logged in as %s (%s), access token valid until %s\n",
		cred.PrincipalID, cred.Role, cred.ExpiresAt.Local().Format(time.RFC3339))
}

func handleRequest(ctx context.Context, client *consultctl.Client, args []string) {
	if len(args) == 0 {
		fatalf("request command requires subcommand (create, status, watch, pending, accept, reject, cancel)")
	}

	switch args[0] {
	case "create":
		if len(args) < 3 {
			fatalf("request create requires provider id and kind")
		}
		kind := parseKind(args[2])
		req, err := client.CreateRequest(ctx, args[1], kind)
		if err != nil {
			fatal(err)
		}
		output(req, func() { printRequestsTable([]consultctl.RequestJSON{*req}) })

	case "status", "watch":
		if len(args) < 2 {
			fatalf("request %s requires request id", args[0])
		}
		var status *consultctl.RequestStatusJSON
		var err error
		if args[0] == "watch" {
			status, err = client.WatchRequest(ctx, args[1])
		} else {
			status, err = client.RequestStatus(ctx, args[1])
		}
		if err != nil {
			fatal(err)
		}
		output(status, func() { printRequestStatus(status) })

	case "pending":
		reqs, err := client.PendingRequests(ctx)
		if err != nil {
			fatal(err)
		}
		output(reqs, func() { printRequestsTable(reqs) })

	case "accept":
		if len(args) < 2 {
			fatalf("request accept requires request id")
		}
		result, err := client.AcceptRequest(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		output(result, func() { printSessionTable(&result.Session) })

	case "reject", "cancel":
		if len(args) < 2 {
			fatalf("request %s requires request id", args[0])
		}
		var req *consultctl.RequestJSON
		var err error
		if args[0] == "reject" {
			req, err = client.RejectRequest(ctx, args[1], strings.Join(args[2:], " "))
		} else {
			req, err = client.CancelRequest(ctx, args[1])
		}
		if err != nil {
			fatal(err)
		}
		output(req, func() { printRequestsTable([]consultctl.RequestJSON{*req}) })

	default:
		fatalf("unknown request subcommand %q", args[0])
	}
}

func handleQueue(ctx context.Context, client *consultctl.Client, args []string) {
	if len(args) == 0 {
		fatalf("queue command requires subcommand (join, leave, status, entry, watch, list, connect, skip)")
	}

	switch args[0] {
	case "join":
		if len(args) < 3 {
			fatalf("queue join requires provider id and kind")
		}
		entry, err := client.JoinQueue(ctx, args[1], parseKind(args[2]))
		if err != nil {
			fatal(err)
		}
		output(entry, func() { printEntriesTable([]consultctl.QueueEntryJSON{*entry}) })

	case "leave", "skip", "entry", "watch":
		if len(args) < 2 {
			fatalf("queue %s requires entry id", args[0])
		}
		var entry *consultctl.QueueEntryJSON
		var err error
		switch args[0] {
		case "leave":
			entry, err = client.LeaveQueue(ctx, args[1])
		case "skip":
			entry, err = client.SkipEntry(ctx, args[1])
		case "entry":
			entry, err = client.QueueEntry(ctx, args[1])
		default:
			entry, err = client.WatchQueue(ctx, args[1])
		}
		if err != nil {
			fatal(err)
		}
		output(entry, func() { printEntriesTable([]consultctl.QueueEntryJSON{*entry}) })

	case "status":
		if len(args) < 2 {
			fatalf("queue status requires provider id")
		}
		status, err := client.QueueStatus(ctx, args[1], optionalKind(args, 2))
		if err != nil {
			fatal(err)
		}
		output(status, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Entry:\t%s\n", status.Entry.ID)
			fmt.Fprintf(w, "Status:\t%s\n", status.Entry.Status)
			fmt.Fprintf(w, "Position:\t%d\n", status.Position)
			fmt.Fprintf(w, "Estimated wait:\t%d min\n", status.EstimatedWaitMinutes)
			fmt.Fprintf(w, "Expires in:\t%ds\n", status.RemainingSeconds)
			w.Flush()
		})

	case "list":
		var providerID string
		if len(args) > 1 {
			providerID = args[1]
		} else {
			providerID = self(ctx, client)
		}
		entries, err := client.ListQueue(ctx, providerID, optionalKind(args, 2))
		if err != nil {
			fatal(err)
		}
		output(entries, func() { printEntriesTable(entries) })

	case "connect":
		entryID := consultctl.NextEntry
		if len(args) > 1 {
			entryID = args[1]
		}
		result, err := client.Connect(ctx, entryID, optionalKind(args, 2))
		if err != nil {
			fatal(err)
		}
		output(result, func() { printSessionTable(&result.Session) })

	default:
		fatalf("unknown queue subcommand %q", args[0])
	}
}

func handleSession(ctx context.Context, client *consultctl.Client, args []string) {
	if len(args) < 2 {
		fatalf("session command requires subcommand (get, end) and session id")
	}

	switch args[0] {
	case "get":
		session, err := client.Session(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		output(session, func() { printSessionTable(session) })

	case "end":
		result, err := client.EndSession(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		output(result, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Session:\t%s\n", result.SessionID)
			fmt.Fprintf(w, "Duration:\t%.0fs\n", result.DurationSeconds)
			fmt.Fprintf(w, "Total cost:\t%d\n", result.TotalCost)
			fmt.Fprintf(w, "Already settled:\t%t\n", result.AlreadyProcessed)
			w.Flush()
		})

	default:
		fatalf("unknown session subcommand %q", args[0])
	}
}

func handleAvailability(ctx context.Context, client *consultctl.Client, args []string) {
	if len(args) == 0 {
		fatalf("availability command requires subcommand (get, toggle, rates, heartbeat)")
	}

	var view *consultctl.AvailabilityJSON
	var err error
	switch args[0] {
	case "get":
		var providerID string
		if len(args) > 1 {
			providerID = args[1]
		} else {
			providerID = self(ctx, client)
		}
		view, err = client.Availability(ctx, providerID)
	case "toggle":
		toggle, perr := parseToggle(args[1:])
		if perr != nil {
			fatal(perr)
		}
		view, err = client.Toggle(ctx, toggle)
	case "rates":
		rates, perr := parseRates(args[1:])
		if perr != nil {
			fatal(perr)
		}
		view, err = client.SetRates(ctx, rates)
	case "heartbeat":
		view, err = client.Heartbeat(ctx)
	default:
		fatalf("unknown availability subcommand %q", args[0])
	}
	if err != nil {
		fatal(err)
	}
	output(view, func() { printAvailability(view) })
}

func handleWallet(ctx context.Context, client *consultctl.Client, args []string) {
	var wallet *consultctl.WalletJSON
	var err error
	if len(args) > 0 && args[0] == "credit" {
		if len(args) < 2 {
			fatalf("wallet credit requires an amount")
		}
		amount, perr := strconv.ParseInt(args[1], 10, 64)
		if perr != nil {
			fatalf("invalid amount %q", args[1])
		}
		wallet, err = client.Credit(ctx, amount, strings.Join(args[2:], " "))
	} else {
		wallet, err = client.Wallet(ctx)
	}
	if err != nil {
		fatal(err)
	}
	output(wallet, func() {
		fmt.Printf("%s: balance %d (updated %s)\n", wallet.OwnerID, wallet.Balance, wallet.UpdatedAt.Local().Format(time.RFC3339))
	})
}

func handleAudit(ctx context.Context, client *consultctl.Client, args []string) {
	action := ""
	limit := 50
	if len(args) > 0 {
		action = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fatalf("invalid limit %q", args[1])
		}
		limit = n
	}
	entries, err := client.AuditTrail(ctx, action, limit)
	if err != nil {
		fatal(err)
	}
	output(entries, func() {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tTARGET\tRESULT\tDURATION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\n",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Target, e.Result, e.DurationMs)
		}
		w.Flush()
	})
}

// handleEvents prints push envelopes as JSON lines until interrupted.
func handleEvents(ctx context.Context, client *consultctl.Client) {
	enc := json.NewEncoder(os.Stdout)
	for env := range client.Events(ctx) {
		if err := enc.Encode(env); err != nil {
			fatal(err)
		}
	}
}

// self returns the logged-in principal. A resumed session learns its identity
// from the first refresh, so an authenticated read is made when it is unknown.
func self(ctx context.Context, client *consultctl.Client) string {
	if id := client.PrincipalID(); id != "" {
		return id
	}
	wallet, err := client.Wallet(ctx)
	if err != nil {
		fatal(err)
	}
	return wallet.OwnerID
}

func parseKind(raw string) shared.Kind {
	kind, err := shared.ParseKind(raw)
	if err != nil {
		fatal(err)
	}
	return kind
}

func optionalKind(args []string, i int) shared.Kind {
	if len(args) <= i {
		return ""
	}
	return parseKind(args[i])
}

// parseToggle reads channel=on|off pairs.
func parseToggle(args []string) (consultctl.ToggleJSON, error) {
	var toggle consultctl.ToggleJSON
	if len(args) == 0 {
		return toggle, fmt.Errorf("toggle requires channel=on|off arguments")
	}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return toggle, fmt.Errorf("invalid toggle %q, expected channel=on|off", arg)
		}
		var on bool
		switch value {
		case "on", "true":
			on = true
		case "off", "false":
		default:
			return toggle, fmt.Errorf("invalid toggle value %q", value)
		}
		switch shared.Kind(name) {
		case shared.KindChat:
			toggle.Chat = &on
		case shared.KindCall:
			toggle.Call = &on
		case shared.KindVideo:
			toggle.Video = &on
		default:
			return toggle, fmt.Errorf("unknown channel %q", name)
		}
	}
	return toggle, nil
}

// parseRates reads kind=price pairs.
func parseRates(args []string) (consultctl.RatesJSON, error) {
	var rates consultctl.RatesJSON
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return rates, fmt.Errorf("invalid rate %q, expected kind=price", arg)
		}
		price, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return rates, fmt.Errorf("invalid price %q", value)
		}
		switch shared.Kind(name) {
		case shared.KindChat:
			rates.Chat = price
		case shared.KindCall:
			rates.Call = price
		case shared.KindVideo:
			rates.Video = price
		default:
			return rates, fmt.Errorf("unknown kind %q", name)
		}
	}
	return rates, nil
}

func output(v interface{}, table func()) {
	if *format == "json" {
		printJSON(v)
		return
	}
	table()
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func printRequestsTable(reqs []consultctl.RequestJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tREQUESTER\tPROVIDER\tSTATUS\tPRICE/MIN\tEXPIRES")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Kind, r.RequesterID, r.ProviderID, r.Status, r.PricePerMinute,
			r.ExpiresAt.Local().Format("15:04:05"))
	}
	w.Flush()
}

func printRequestStatus(s *consultctl.RequestStatusJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Request:\t%s\n", s.Request.ID)
	fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	if s.Status == "pending" {
		fmt.Fprintf(w, "Expires in:\t%ds\n", s.RemainingSeconds)
	}
	if s.Request.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", s.Request.Reason)
	}
	if s.Session != nil {
		fmt.Fprintf(w, "Session:\t%s (%s)\n", s.Session.ID, s.Session.Status)
	}
	w.Flush()
}

func printEntriesTable(entries []consultctl.QueueEntryJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOS\tKIND\tREQUESTER\tSTATUS\tJOINED\tEXPIRES")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Position, e.Kind, e.RequesterID, e.Status,
			e.JoinedAt.Local().Format("15:04:05"), e.ExpiresAt.Local().Format("15:04:05"))
	}
	w.Flush()
}

func printSessionTable(s *consultctl.SessionJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", s.ID)
	fmt.Fprintf(w, "Kind:\t%s\n", s.Kind)
	fmt.Fprintf(w, "Requester:\t%s\n", s.RequesterID)
	fmt.Fprintf(w, "Provider:\t%s\n", s.ProviderID)
	fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	fmt.Fprintf(w, "Price/min:\t%d\n", s.PricePerMinute)
	fmt.Fprintf(w, "Started:\t%s\n", s.StartedAt.Local().Format(time.RFC3339))
	if s.EndedAt != nil {
		fmt.Fprintf(w, "Ended:\t%s (%s)\n", s.EndedAt.Local().Format(time.RFC3339), s.EndReason)
		fmt.Fprintf(w, "Total cost:\t%d\n", s.TotalCost)
	} else {
		fmt.Fprintf(w, "Elapsed:\t%.0fs\n", s.ElapsedSeconds)
		fmt.Fprintf(w, "Cost so far:\t%.2f\n", s.LiveCost)
	}
	w.Flush()
}

func printAvailability(v *consultctl.AvailabilityJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Provider:\t%s\n", v.ProviderID)
	fmt.Fprintf(w, "Live:\t%t\n", v.Live)
	fmt.Fprintln(w, "CHANNEL\tON\tEFFECTIVE\tPRICE/MIN")
	fmt.Fprintf(w, "chat\t%t\t%t\t%d\n", v.ChatOn, v.Effective["chat"], v.Rates.Chat)
	fmt.Fprintf(w, "call\t%t\t%t\t%d\n", v.CallOn, v.Effective["call"], v.Rates.Call)
	fmt.Fprintf(w, "video\t%t\t%t\t%d\n", v.VideoOn, v.Effective["video"], v.Rates.Video)
	w.Flush()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func fatalf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+msg+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `consultctl - consultation broker client

Usage: consultctl [flags] <command> [subcommand] [args]

Commands:
  login <principal-id> <user|provider> [secret]
  logout
  request create <provider-id> <chat|call|video>
  request status|watch|accept|reject|cancel <request-id>
  request pending
  queue join <provider-id> <kind>
  queue status <provider-id> [kind]
  queue leave|entry|watch|skip <entry-id>
  queue list [provider-id] [kind]
  queue connect [entry-id|next] [kind]
  session get|end <session-id>
  availability get [provider-id]
  availability toggle chat=on call=off ...
  availability rates chat=10 call=20 video=30
  availability heartbeat
  wallet [credit <amount> [memo]]
  audit [action] [limit]
  events

Flags:
`)
	flag.PrintDefaults()
}
