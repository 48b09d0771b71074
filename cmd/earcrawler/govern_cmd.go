package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/config"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/gc"
	"github.com/earcrawler/earcrawler/pkg/policy"
)

func runBundle(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "export-profiles" {
		fmt.Fprintln(stderr, "Usage: earcrawler bundle export-profiles [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("bundle export-profiles", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "output directory")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if *out == "" {
		fmt.Fprintln(stderr, "bundle export-profiles: --out is required")
		return exitUsage
	}
	if _, err := authorize("bundle.export-profiles", *auditPath, nil); err != nil {
		return fail(stderr, err)
	}

	if err := os.MkdirAll(*out, 0o750); err != nil {
		return fail(stderr, errkind.Wrap(errkind.Internal, "cli.bundle", err))
	}

	strict := config.DefaultRetrievalProfile()
	strict.Name = "strict"
	strict.MinDocs = 3
	strict.MinTopScore = 0.7
	strict.MinTotalChars = 600

	var names []string
	for _, p := range []config.RetrievalProfile{config.DefaultRetrievalProfile(), strict} {
		raw, err := yaml.Marshal(p)
		if err != nil {
			return fail(stderr, errkind.Wrap(errkind.Internal, "cli.bundle", err))
		}
		path := filepath.Join(*out, fmt.Sprintf("profile_%s.yaml", p.Name))
		if err := os.WriteFile(path, raw, 0o640); err != nil {
			return fail(stderr, errkind.Wrap(errkind.Internal, "cli.bundle", err))
		}
		names = append(names, p.Name)
	}
	printJSON(stdout, map[string]any{"ok": true, "profiles": names})
	return exitOK
}

func runGC(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	policyPath := fs.String("policy", "", "retention policy YAML")
	root := fs.String("root", ".", "managed filesystem root")
	dryRun := fs.Bool("dry-run", false, "plan only, delete nothing")
	apply := fs.Bool("apply", false, "execute the plan")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *policyPath == "" {
		fmt.Fprintln(stderr, "gc: --policy is required")
		return exitUsage
	}
	if *dryRun == *apply {
		fmt.Fprintln(stderr, "gc: exactly one of --dry-run or --apply is required")
		return exitUsage
	}

	command := "gc.dry-run"
	if *apply {
		command = "gc.apply"
	}
	ledger, err := authorize(command, *auditPath, nil)
	if err != nil {
		return fail(stderr, err)
	}

	pol, err := gc.LoadPolicy(*policyPath)
	if err != nil {
		return fail(stderr, err)
	}

	actor, _ := callerIdentity()
	eng := &gc.Engine{Root: *root, Ledger: ledger, Actor: actor}
	plan, err := eng.Plan(pol)
	if err != nil {
		return fail(stderr, err)
	}
	if *apply {
		if err := eng.Apply(plan); err != nil {
			return fail(stderr, err)
		}
	}
	printJSON(stdout, plan)
	return exitOK
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: earcrawler audit <verify|rotate> [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("audit "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("path", "", "ledger path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if *path == "" {
		fmt.Fprintln(stderr, "audit: --path is required")
		return exitUsage
	}

	switch args[0] {
	case "verify":
		if _, err := authorize("audit.verify", "", nil); err != nil {
			return fail(stderr, err)
		}
		report, err := audit.Verify(*path, continuityKey())
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, report)
		if !report.OK {
			return exitIntegrity
		}
		return exitOK

	case "rotate":
		if _, err := authorize("audit.rotate", "", nil); err != nil {
			return fail(stderr, err)
		}
		ledger, err := audit.Open(*path, continuityKey())
		if err != nil {
			return fail(stderr, err)
		}
		archived, err := ledger.Rotate()
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, map[string]any{"ok": true, "archived": archived})
		return exitOK

	default:
		fmt.Fprintf(stderr, "unknown audit subcommand: %s\n", args[0])
		return exitUsage
	}
}

// continuityKey derives the ledger HMAC key from the environment master
// secret. Nil (no HMAC) when unset.
func continuityKey() []byte {
	master := os.Getenv("EARCRAWLER_LEDGER_SECRET")
	if master == "" {
		return nil
	}
	key, err := audit.DeriveContinuityKey([]byte(master))
	if err != nil {
		return nil
	}
	return key
}

func runPolicy(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: earcrawler policy <whoami|test> [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("policy "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	command := fs.String("command", "", "command to test")
	var targs argMap
	fs.Var(&targs, "arg", "argument name=value (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}

	pdp, err := policy.New(nil)
	if err != nil {
		return fail(stderr, err)
	}
	for _, rule := range policy.DefaultRules() {
		if err := pdp.Register(rule); err != nil {
			return fail(stderr, err)
		}
	}
	actor, roles := callerIdentity()

	switch args[0] {
	case "whoami":
		var allowed []string
		for _, cmd := range pdp.Commands() {
			if _, err := pdp.Check(actor, roles, cmd, nil); err == nil {
				allowed = append(allowed, cmd)
			}
		}
		printJSON(stdout, map[string]any{
			"actor":   actor,
			"roles":   roleStrings(roles),
			"allowed": allowed,
		})
		return exitOK

	case "test":
		if *command == "" {
			fmt.Fprintln(stderr, "policy test: --command is required")
			return exitUsage
		}
		anyArgs := make(map[string]any, len(targs))
		for k, v := range targs {
			anyArgs[k] = v
		}
		decision, err := pdp.Check(actor, roles, *command, anyArgs)
		printJSON(stdout, decision)
		if err != nil {
			return exitDenied
		}
		return exitOK

	default:
		fmt.Fprintf(stderr, "unknown policy subcommand: %s\n", args[0])
		return exitUsage
	}
}
