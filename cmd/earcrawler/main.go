// Command earcrawler is the operator CLI over the pipeline: snapshot
// validation, corpus and KG builds, integrity gates, retrieval evaluation,
// governance (audit, policy, gc), and the read-only HTTP facade. Every
// subcommand prints a JSON summary to stdout and maps failures onto the
// exit-code contract: 0 ok, 1 contract or integrity failure, 2 usage,
// 3 authorization denied.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/policy"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher; split out so tests can drive it.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "snapshot-validate":
		return runSnapshotValidate(args[2:], stdout, stderr)
	case "corpus":
		return runCorpus(args[2:], stdout, stderr)
	case "kg":
		return runKG(args[2:], stdout, stderr)
	case "integrity":
		return runIntegrity(args[2:], stdout, stderr)
	case "index":
		return runIndex(args[2:], stdout, stderr)
	case "run":
		return runPipeline(args[2:], stdout, stderr)
	case "eval":
		return runEval(args[2:], stdout, stderr)
	case "bundle":
		return runBundle(args[2:], stdout, stderr)
	case "gc":
		return runGC(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "policy":
		return runPolicy(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

// Exit codes form the CLI contract.
const (
	exitOK        = 0
	exitIntegrity = 1
	exitUsage     = 2
	exitDenied    = 3
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: earcrawler <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Pipeline:")
	fmt.Fprintln(w, "  snapshot-validate   Validate an offline snapshot directory")
	fmt.Fprintln(w, "  corpus build|validate|snapshot")
	fmt.Fprintln(w, "  kg emit|load|query|serve")
	fmt.Fprintln(w, "  integrity check     Run the KG integrity gates")
	fmt.Fprintln(w, "  index rebuild       Rebuild the retrieval index")
	fmt.Fprintln(w, "  run                 Execute the full pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Evaluation:")
	fmt.Fprintln(w, "  eval fr-coverage|run-rag|check-grounding")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Governance:")
	fmt.Fprintln(w, "  bundle export-profiles")
	fmt.Fprintln(w, "  gc --dry-run|--apply --policy <file>")
	fmt.Fprintln(w, "  audit verify|rotate")
	fmt.Fprintln(w, "  policy whoami|test")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Serving:")
	fmt.Fprintln(w, "  serve               Run the read-only HTTP facade")
}

// printJSON writes the command summary to stdout.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// fail reports an error and maps it onto the exit-code contract.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, err.Error())
	switch errkind.KindOf(err) {
	case errkind.InvalidInput:
		return exitUsage
	case errkind.AuthorizationDenied:
		return exitDenied
	default:
		return exitIntegrity
	}
}

// callerIdentity resolves the acting identity from the environment.
// EARCRAWLER_ACTOR defaults to the OS user; EARCRAWLER_ROLES is a comma
// separated role list defaulting to reader.
func callerIdentity() (string, []policy.Role) {
	actor := os.Getenv("EARCRAWLER_ACTOR")
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if actor == "" {
		actor = "unknown"
	}

	raw := os.Getenv("EARCRAWLER_ROLES")
	if raw == "" {
		return actor, []policy.Role{policy.RoleReader}
	}
	var roles []policy.Role
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			roles = append(roles, policy.Role(name))
		}
	}
	if len(roles) == 0 {
		roles = []policy.Role{policy.RoleReader}
	}
	return actor, roles
}

func roleStrings(roles []policy.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
