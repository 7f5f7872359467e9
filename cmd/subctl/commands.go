package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"subledger/core/types"
	"subledger/crypto"
	"subledger/rpc"
)

func (c *cli) runGenerateKey(args []string) int {
	fs := flag.NewFlagSet("generate-key", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	out := fs.String("out", "wallet.json", "keystore output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(c.stderr, "Error: %s already exists\n", *out)
		return 1
	}
	pass, err := c.passphrase(true)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintln(c.stderr, "Error generating key:", err)
		return 1
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		fmt.Fprintln(c.stderr, "Error writing keystore:", err)
		return 1
	}
	fmt.Fprintf(c.stdout, "Address: %s\nKeystore: %s\n", key.PubKey().Address().String(), *out)
	return 0
}

func (c *cli) runAddress(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "Error: usage: address <keyfile>")
		return 1
	}
	key, err := c.loadKey(args[0])
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	fmt.Fprintln(c.stdout, key.PubKey().Address().String())
	return 0
}

func (c *cli) runInvoke(args []string) int {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	chainID := fs.String("chain", "", "chain id (fetched from the node when empty)")
	nonce := fs.Uint64("nonce", 0, "invocation nonce (defaults to the current time in nanoseconds)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(c.stderr, "Error: usage: invoke <method> <params.json|-> [keyfile...]")
		return 1
	}
	method, paramsPath, keyFiles := rest[0], rest[1], rest[2:]

	params, err := readParams(paramsPath)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error reading params:", err)
		return 1
	}
	if *chainID == "" {
		status, err := c.fetchStatus()
		if err != nil {
			fmt.Fprintln(c.stderr, "Error fetching chain id:", err)
			return 1
		}
		*chainID = status.ChainID
	}
	if *nonce == 0 {
		*nonce = uint64(c.now().UnixNano())
	}
	inv := &types.Invocation{ChainID: *chainID, Method: method, Params: params, Nonce: *nonce}
	for _, path := range keyFiles {
		key, err := c.loadKey(path)
		if err != nil {
			fmt.Fprintf(c.stderr, "Error loading %s: %v\n", path, err)
			return 1
		}
		if err := inv.Sign(key); err != nil {
			fmt.Fprintln(c.stderr, "Error signing invocation:", err)
			return 1
		}
	}
	body, err := json.Marshal(inv)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error encoding invocation:", err)
		return 1
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoint+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req)
}

func (c *cli) runSubQuery(args []string, suffix string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "Error: a subscription id is required")
		return 1
	}
	id, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: invalid subscription id %q\n", args[0])
		return 1
	}
	return c.get(fmt.Sprintf("/v1/subscriptions/%d%s", id, suffix))
}

func (c *cli) runEvents(args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	from := fs.Uint64("from", 1, "first event sequence")
	limit := fs.Int("limit", 100, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return c.get(fmt.Sprintf("/v1/events?from=%d&limit=%d", *from, *limit))
}

func (c *cli) get(path string) int {
	req, err := http.NewRequest(http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	return c.do(req)
}

// do sends req and pretty prints the JSON response. Error responses are
// printed to stderr and reported with a non-zero exit code.
func (c *cli) do(req *http.Request) int {
	resp, err := c.client.Do(req)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error contacting node:", err)
		return 1
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error reading response:", err)
		return 1
	}
	out := c.stdout
	if resp.StatusCode >= 300 {
		out = c.stderr
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Fprintln(out, pretty.String())
	} else {
		fmt.Fprintln(out, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 300 {
		return 1
	}
	return 0
}

func (c *cli) fetchStatus() (*rpc.StatusResponse, error) {
	resp, err := c.client.Get(c.endpoint + "/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var status rpc.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *cli) loadKey(path string) (*crypto.PrivateKey, error) {
	pass, err := c.passphrase(false)
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func readParams(path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, err
	}
	return compact.Bytes(), nil
}
