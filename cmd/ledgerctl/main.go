// Command ledgerctl runs operator checks against the consent ledger store:
// chain and proof verification, the journal trial balance, escrow
// reconciliation and manual batch anchoring.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/upb/consent-ledger/app"
	"github.com/upb/consent-ledger/config"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/ledger"
	"github.com/upb/consent-ledger/services/merkle"
	"go.uber.org/zap"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  verify-chain   [-from N] [-limit N]   walk the receipt hash chain
  verify-receipt <receipt-id>           recompute one receipt hash and its proof
  verify-proof   -proof P [-root R]     check a compact inclusion proof offline
  hash-details   <json>                 print the details hash of a JSON value
  trial-balance                         check that the journal nets to zero
  reconcile      <escrow-id>            compare escrow counters with the journal
  anchor         [-max N]               build and submit one Merkle batch
`

var (
	okMark   = color.New(color.FgGreen, color.Bold)
	failMark = color.New(color.FgRed, color.Bold)
	label    = color.New(color.FgCyan)
)

// errCheckFailed marks a completed check that found a problem
var errCheckFailed = errors.New("check failed")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and returns the process exit code:
// 0 on success, 1 when a check fails, 2 on usage or runtime errors
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "verify-proof":
		err = verifyProof(rest, stdout)
	case "hash-details":
		err = hashDetails(rest, stdout)
	case "verify-chain", "verify-receipt", "trial-balance", "reconcile", "anchor":
		err = withDependencies(ctx, func(deps *app.Dependencies) error {
			switch cmd {
			case "verify-chain":
				return verifyChain(ctx, deps, rest, stdout)
			case "verify-receipt":
				return verifyReceipt(ctx, deps, rest, stdout)
			case "trial-balance":
				return trialBalance(ctx, deps, stdout)
			case "reconcile":
				return reconcile(ctx, deps, rest, stdout)
			default:
				return anchorBatch(ctx, deps, rest, stdout)
			}
		})
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errCheckFailed):
		return 1
	default:
		failMark.Fprintf(stderr, "error: ")
		fmt.Fprintln(stderr, err)
		return 2
	}
}

func withDependencies(ctx context.Context, fn func(*app.Dependencies) error) error {
	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == config.StorageMemory {
		return errors.New("ledgerctl needs persistent storage: set STORAGE_DRIVER=postgres")
	}

	logger := zap.NewNop()
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	}
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)
	return fn(deps)
}

func verifyChain(ctx context.Context, deps *app.Dependencies, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	from := fs.Int64("from", 1, "first sequence number")
	limit := fs.Int("limit", 0, "receipts to check, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := deps.Ledger.VerifyChain(ctx, *from, *limit)
	if report != nil {
		label.Fprintf(w, "checked   ")
		fmt.Fprintf(w, "%d receipts (%d..%d)\n", report.Checked, report.FirstSequence, report.LastSequence)
		label.Fprintf(w, "head      ")
		fmt.Fprintln(w, report.LastHash)
	}
	if err != nil {
		if services.IsIntegrityViolationError(err) {
			failMark.Fprintln(w, "CHAIN BROKEN")
			printDetails(w, services.GetErrorDetails(err))
			return errCheckFailed
		}
		return err
	}
	okMark.Fprintln(w, "chain intact")
	return nil
}

func verifyReceipt(ctx context.Context, deps *app.Dependencies, args []string, w io.Writer) error {
	id, err := oneUUID(args, "receipt id")
	if err != nil {
		return err
	}

	report, err := deps.Ledger.VerifyReceiptIntegrity(ctx, id)
	if err != nil {
		return err
	}
	label.Fprintf(w, "sequence  ")
	fmt.Fprintln(w, report.Sequence)
	label.Fprintf(w, "hash      ")
	fmt.Fprintln(w, report.StoredHash)

	failed := !report.HashValid || !report.ChainValid
	mark(w, "hash recomputes", report.HashValid)
	mark(w, "links to predecessor", report.ChainValid)

	check, err := deps.Batcher.VerifyReceiptProof(ctx, id)
	if err != nil {
		return err
	}
	if !check.Batched {
		fmt.Fprintln(w, "not yet batched")
	} else {
		mark(w, "leaf matches receipt", check.LeafMatches)
		mark(w, "proof folds to root", check.ProofValid)
		mark(w, "batch anchored", check.Anchored)
		failed = failed || !check.LeafMatches || !check.ProofValid
		fmt.Fprintf(w, "proof     %s\n", merkle.EncodeProof(check.Proof))
	}

	if failed {
		return errCheckFailed
	}
	return nil
}

func verifyProof(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("verify-proof", flag.ContinueOnError)
	encoded := fs.String("proof", "", "compact proof leaf:index:siblings:root")
	root := fs.String("root", "", "expected root, defaults to the root carried in the proof")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *encoded == "" {
		return errors.New("-proof is required")
	}

	proof, err := merkle.ParseProof(*encoded)
	if err != nil {
		return err
	}
	expected := *root
	if expected == "" {
		expected = proof.Root
	}

	label.Fprintf(w, "root      ")
	fmt.Fprintln(w, expected)
	if !merkle.VerifyProof(proof, expected) {
		failMark.Fprintln(w, "proof INVALID")
		return errCheckFailed
	}
	okMark.Fprintln(w, "proof valid")
	return nil
}

func hashDetails(args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("hash-details takes one JSON argument")
	}
	var v interface{}
	if err := json.Unmarshal([]byte(args[0]), &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	h, err := ledger.HashDetails(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, h)
	return nil
}

func trialBalance(ctx context.Context, deps *app.Dependencies, w io.Writer) error {
	tb, err := deps.Journal.VerifyZeroSum(ctx)
	if tb != nil {
		for _, a := range tb.Accounts {
			fmt.Fprintf(w, "%-40s %-4s %s\n", a.Account, a.Currency, a.Balance.StringFixed(2))
		}
		for currency, net := range tb.ByCurrency {
			label.Fprintf(w, "net %-4s  ", currency)
			fmt.Fprintln(w, net.String())
		}
	}
	if err != nil {
		if services.IsIntegrityViolationError(err) {
			failMark.Fprintln(w, "JOURNAL IMBALANCED")
			return errCheckFailed
		}
		return err
	}
	okMark.Fprintln(w, "journal balanced")
	return nil
}

func reconcile(ctx context.Context, deps *app.Dependencies, args []string, w io.Writer) error {
	id, err := oneUUID(args, "escrow id")
	if err != nil {
		return err
	}
	report, err := deps.Escrow.Reconcile(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-10s %12s %12s\n", "", "stored", "journal")
	rows := []struct {
		name           string
		stored, posted string
	}{
		{"funded", report.Stored.Funded.String(), report.Journal.Funded.String()},
		{"locked", report.Stored.Locked.String(), report.Journal.Locked.String()},
		{"released", report.Stored.Released.String(), report.Journal.Released.String()},
		{"refunded", report.Stored.Refunded.String(), report.Journal.Refunded.String()},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-10s %12s %12s\n", r.name, r.stored, r.posted)
	}
	if !report.Consistent {
		failMark.Fprintln(w, "escrow and journal DISAGREE")
		return errCheckFailed
	}
	okMark.Fprintf(w, "consistent across %d entries\n", report.Entries)
	return nil
}

func anchorBatch(ctx context.Context, deps *app.Dependencies, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("anchor", flag.ContinueOnError)
	maxSize := fs.Int("max", deps.Config.Ledger.BatchSize, "receipts per batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := deps.Anchors.Start(); err != nil {
		return err
	}
	defer deps.Anchors.Stop(10 * time.Second)

	res, err := deps.Batcher.AnchorBatch(ctx, *maxSize)
	if err != nil {
		return err
	}
	if res.Count == 0 {
		fmt.Fprintln(w, "no unbatched receipts")
		return nil
	}
	label.Fprintf(w, "batch     ")
	fmt.Fprintln(w, res.BatchID)
	label.Fprintf(w, "root      ")
	fmt.Fprintln(w, res.Root)
	fmt.Fprintf(w, "%d receipts, anchor queued: %t\n", res.Count, res.Queued)
	return nil
}

func oneUUID(args []string, what string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("expected one %s", what)
	}
	id, err := uuid.Parse(strings.TrimSpace(args[0]))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", what, err)
	}
	return id, nil
}

func mark(w io.Writer, what string, ok bool) {
	if ok {
		okMark.Fprintf(w, "  ok    ")
	} else {
		failMark.Fprintf(w, "  FAIL  ")
	}
	fmt.Fprintln(w, what)
}

func printDetails(w io.Writer, details map[string]interface{}) {
	for k, v := range details {
		fmt.Fprintf(w, "  %s: %v\n", k, v)
	}
}
