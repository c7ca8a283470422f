// cachecash is the command-line client: faucet intake, balance inspection,
// private transfers, inbox polling and note archives.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hyli-org/cachecash/database"
	"github.com/hyli-org/cachecash/inbox"
	"github.com/hyli-org/cachecash/key"
	"github.com/hyli-org/cachecash/note"
	"github.com/hyli-org/cachecash/prover"
	"github.com/hyli-org/cachecash/settlement"
	"github.com/hyli-org/cachecash/transactions"
	"github.com/hyli-org/cachecash/wallet"
)

type options struct {
	owner      string
	dbPath     string
	backendURL string
	relayURL   string
	proverURL  string
	contract   string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cachecash",
		Short:         "Private payment client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultDB := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultDB = filepath.Join(home, ".cachecash", "notes")
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.owner, "owner", "", "session owner label (required)")
	pf.StringVar(&opts.dbPath, "db", defaultDB, "note store path")
	pf.StringVar(&opts.backendURL, "backend", "http://localhost:4000", "settlement backend URL")
	pf.StringVar(&opts.relayURL, "relay", "http://localhost:4001", "note relay URL")
	pf.StringVar(&opts.proverURL, "prover", "http://localhost:4002", "proving service URL")
	pf.StringVar(&opts.contract, "contract", "cachecash", "settlement contract name")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	_ = root.MarkPersistentFlagRequired("owner")

	root.AddCommand(
		newFaucetCmd(opts),
		newBalanceCmd(opts),
		newSendCmd(opts),
		newHistoryCmd(opts),
		newPollCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newKeysCmd(opts),
	)
	return root
}

func (o *options) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func (o *options) open() (*wallet.Wallet, *database.DB, error) {
	log := o.logger()

	db, err := database.New(o.dbPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening note store: %w", err)
	}

	w, err := wallet.New(wallet.Config{
		Owner:        o.owner,
		ContractName: o.contract,
		DB:           db,
		Settlement:   settlement.New(o.backendURL, nil, log),
		Relay:        inbox.NewRelay(o.relayURL, nil, log),
		Prover:       prover.New(prover.NewHTTPBackend(o.proverURL, nil), log),
		Log:          log,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return w, db, nil
}

func newFaucetCmd(opts *options) *cobra.Command {
	var amount uint64
	cmd := &cobra.Command{
		Use:   "faucet",
		Short: "Request a mint from the faucet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			resp, err := w.RequestFaucet(cmd.Context(), amount)
			if err != nil {
				return err
			}
			fmt.Printf("minted %d (tx %s)\n", resp.Amount, resp.TxHash)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to mint (0 = backend default)")
	return cmd
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show spendable balance and notes",
		RunE: func(_ *cobra.Command, _ []string) error {
			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Printf("balance: %d\n", w.Balance())
			for _, stored := range w.Notes() {
				fmt.Printf("  %-20s %10d\n", stored.TxHash, stored.Note.Value.Uint64())
			}
			return nil
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <amount>",
		Short: "Send a private transfer",
		Long:  "Recipient is a 64-character hex public key or a label to derive one from.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := parseRecipient(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parsing amount: %w", err)
			}

			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			txHash, err := w.Transfer(cmd.Context(), recipient, amount, func(stage transactions.Stage) {
				fmt.Printf("  %s\n", stage)
			})
			if err != nil {
				return err
			}
			fmt.Printf("sent %d (tx %s)\n", amount, txHash)
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List transfer history, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, rec := range w.History() {
				dir := "in "
				if rec.Direction == database.DirectionOut {
					dir = "out"
				}
				ts := time.Unix(rec.Timestamp, 0).Format(time.RFC3339)
				fmt.Printf("%s  %s %10d  %s\n", ts, dir, rec.Amount, rec.Counterparty)
			}
			return nil
		},
	}
}

func newPollCmd(opts *options) *cobra.Command {
	var (
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the relay for incoming notes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			log := opts.logger()
			relay := inbox.NewRelay(opts.relayURL, nil, log)
			poller := inbox.NewPoller(relay, db, w.Keys(), w.Owner(), interval, log)

			if once {
				return poller.PollOnce(cmd.Context())
			}
			poller.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", inbox.DefaultPollInterval, "poll interval")
	cmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Export notes to an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := w.Export(f); err != nil {
				return err
			}
			fmt.Printf("exported %d notes to %s\n", len(w.Notes()), args[0])
			return nil
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge an archive into the note store",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			w, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := w.Import(data); err != nil {
				return err
			}
			fmt.Printf("merged archive, balance now %d\n", w.Balance())
			return nil
		},
	}
}

func newKeysCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show the derived key material",
		RunE: func(_ *cobra.Command, _ []string) error {
			pair, err := key.Derive(opts.owner)
			if err != nil {
				return err
			}
			fmt.Printf("public key:  %s\n", pair.PublicKey.Hex())
			fmt.Printf("private key: %s\n", pair.PrivateKey.Hex())
			fmt.Printf("inbox tag:   %s\n", inbox.DeriveRecipientTag(pair.PublicKey))
			return nil
		},
	}
}

func parseRecipient(arg string) (note.Element, error) {
	if len(arg) == 64 {
		if el, err := note.ElementFromHex(arg); err == nil {
			return el, nil
		}
	}
	pair, err := key.Derive(arg)
	if err != nil {
		return note.Element{}, fmt.Errorf("deriving recipient key: %w", err)
	}
	return pair.PublicKey, nil
}
