package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
)

// runSignCmd implements `omrchain-node sign`.
//
// Produces a detached signature over a payload merkle root using the
// signer key derived for -kind from SIGNERS_MASTER_SEED. The output is
// the signature object a finalize request accepts verbatim.
//
// Exit codes:
//
//	0 = signature produced
//	2 = usage or runtime error
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kind    string
		subject string
	)
	cmd.StringVar(&kind, "kind", "", "Signer kind: "+strings.Join(crypto.RequiredKinds, ", ")+" (REQUIRED)")
	cmd.StringVar(&subject, "subject", "", "Hex merkle root to sign (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kind == "" || subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -kind and -subject are required")
		cmd.Usage()
		return 2
	}
	if !crypto.KnownKind(kind) {
		_, _ = fmt.Fprintf(stderr, "Error: unknown signer kind %q\n", kind)
		return 2
	}

	seed := os.Getenv("SIGNERS_MASTER_SEED")
	if seed == "" {
		_, _ = fmt.Fprintln(stderr, "Error: SIGNERS_MASTER_SEED must be set")
		return 2
	}

	signer, err := crypto.DeriveSigner(seed, kind)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	sig, err := ledger.SignRoot(kind, signer, subject)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
