package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"subledger/cmd/internal/passphrase"
)

const (
	envRPCURL     = "SUBLEDGER_RPC_URL"
	envRPCToken   = "SUBLEDGER_RPC_TOKEN"
	envPassphrase = "SUBCTL_PASSPHRASE"
	defaultRPC    = "http://127.0.0.1:8080"
)

type cli struct {
	endpoint   string
	token      string
	stdout     io.Writer
	stderr     io.Writer
	client     *http.Client
	passphrase func(confirm bool) (string, error)
	now        func() time.Time
}

func main() {
	c := newCLI(os.Stdout, os.Stderr)
	os.Exit(c.run(os.Args[1:]))
}

func newCLI(stdout, stderr io.Writer) *cli {
	endpoint := strings.TrimSpace(os.Getenv(envRPCURL))
	if endpoint == "" {
		endpoint = defaultRPC
	}
	return &cli{
		endpoint: endpoint,
		token:    strings.TrimSpace(os.Getenv(envRPCToken)),
		stdout:   stdout,
		stderr:   stderr,
		client:   &http.Client{Timeout: 15 * time.Second},
		passphrase: func(confirm bool) (string, error) {
			src := passphrase.NewSource(envPassphrase, "keystore")
			if confirm {
				src.WithConfirmation()
			}
			return src.Get()
		},
		now: time.Now,
	}
}

func (c *cli) run(args []string) int {
	args, err := c.applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	switch args[0] {
	case "generate-key":
		return c.runGenerateKey(args[1:])
	case "address":
		return c.runAddress(args[1:])
	case "invoke":
		return c.runInvoke(args[1:])
	case "sub":
		return c.runSubQuery(args[1:], "")
	case "lock":
		return c.runSubQuery(args[1:], "/lock")
	case "logs":
		return c.runSubQuery(args[1:], "/logs")
	case "events":
		return c.runEvents(args[1:])
	case "status":
		return c.get("/v1/status")
	case "help", "-h", "--help":
		fmt.Fprintln(c.stdout, usage())
		return 0
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
}

func (c *cli) applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			c.endpoint = args[i+1]
			i++
		case strings.HasPrefix(arg, "--rpc="):
			c.endpoint = strings.TrimPrefix(arg, "--rpc=")
		default:
			out = append(out, arg)
		}
	}
	c.endpoint = strings.TrimRight(strings.TrimSpace(c.endpoint), "/")
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`
Usage: subctl [--rpc URL] <command> [args]

Commands:
  generate-key [--out path]                      create an encrypted keystore
  address <keyfile>                              print the account address of a keystore
  invoke [--chain id] [--nonce n] <method> <params.json|-> <keyfile>...
                                                 sign and submit an invocation
  sub <id>                                       show a subscription
  lock <id>                                      show the renewal lock of a subscription
  logs <id>                                      show collaborator log entries
  events [--from n] [--limit n]                  page through the event log
  status                                         show chain id and height

Environment:
  SUBLEDGER_RPC_URL    RPC endpoint (default http://127.0.0.1:8080)
  SUBLEDGER_RPC_TOKEN  bearer token for invoke
  SUBCTL_PASSPHRASE    keystore passphrase (prompted when unset)`)
}
