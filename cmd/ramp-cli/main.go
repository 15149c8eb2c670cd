package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"rampledger/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("RAMP_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		generateKey()
	case "balance":
		if len(args) < 2 {
			fatal("balance requires an address")
		}
		call("bank_balance", map[string]string{"address": args[1]})
	case "mint":
		if len(args) < 4 {
			fatal("mint requires <caller> <to> <amount>")
		}
		call("bank_mint", map[string]string{"caller": args[1], "to": args[2], "amount": args[3]})
	case "register":
		if len(args) < 2 {
			fatal("register requires an address")
		}
		call("identity_register", map[string]string{"address": args[1]})
	case "resolve":
		if len(args) < 2 {
			fatal("resolve requires an address")
		}
		call("identity_resolve", map[string]string{"address": args[1]})
	case "set-alias":
		if len(args) < 3 {
			fatal("set-alias requires <address> <alias>")
		}
		call("identity_setAlias", map[string]string{"address": args[1], "alias": args[2]})
	case "resolve-alias":
		if len(args) < 2 {
			fatal("resolve-alias requires an alias")
		}
		call("identity_resolveAlias", map[string]string{"alias": args[1]})
	case "deposit":
		runDepositCommand(args[1:])
	case "intent":
		runIntentCommand(args[1:])
	case "params":
		call("params_get", nil)
	case "events":
		cursor := uint64(0)
		if len(args) > 1 {
			cursor = parseUint(args[1], "cursor")
		}
		call("sync_events", map[string]uint64{"cursor": cursor})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func runDepositCommand(args []string) {
	if len(args) < 1 {
		fatal("deposit requires a subcommand: create, get, list, withdraw")
	}
	switch args[0] {
	case "create":
		if len(args) < 4 {
			fatal("deposit create requires <depositor> <supplied> <requestedReceive>")
		}
		call("ramp_createDeposit", map[string]string{
			"depositor":        args[1],
			"supplied":         args[2],
			"requestedReceive": args[3],
		})
	case "get":
		if len(args) < 2 {
			fatal("deposit get requires an id")
		}
		call("ramp_getDeposit", map[string]uint64{"id": parseUint(args[1], "deposit id")})
	case "list":
		if len(args) < 2 {
			fatal("deposit list requires a depositor address")
		}
		call("ramp_listDeposits", map[string]string{"depositor": args[1]})
	case "withdraw":
		if len(args) < 3 {
			fatal("deposit withdraw requires <depositor> <id> [id...]")
		}
		ids := make([]uint64, 0, len(args)-2)
		for _, raw := range args[2:] {
			ids = append(ids, parseUint(raw, "deposit id"))
		}
		call("ramp_withdraw", map[string]interface{}{"depositor": args[1], "depositIds": ids})
	default:
		fatal(fmt.Sprintf("unknown deposit subcommand %q", args[0]))
	}
}

func runIntentCommand(args []string) {
	if len(args) < 1 {
		fatal("intent requires a subcommand: signal, get, cancel, complete, release")
	}
	switch args[0] {
	case "signal":
		if len(args) < 5 {
			fatal("intent signal requires <buyer> <depositId> <amount> <payoutTo>")
		}
		call("ramp_signalIntent", map[string]interface{}{
			"buyer":     args[1],
			"depositId": parseUint(args[2], "deposit id"),
			"amount":    args[3],
			"payoutTo":  args[4],
		})
	case "get":
		if len(args) < 2 {
			fatal("intent get requires a key")
		}
		call("ramp_getIntent", map[string]string{"key": args[1]})
	case "cancel":
		if len(args) < 3 {
			fatal("intent cancel requires <caller> <key>")
		}
		call("ramp_cancelIntent", map[string]string{"caller": args[1], "key": args[2]})
	case "complete":
		if len(args) < 2 {
			fatal("intent complete requires a key")
		}
		call("ramp_completeIntent", map[string]string{"key": args[1]})
	case "release":
		if len(args) < 3 {
			fatal("intent release requires <caller> <key>")
		}
		call("ramp_releaseIntent", map[string]string{"caller": args[1], "key": args[2]})
	default:
		fatal(fmt.Sprintf("unknown intent subcommand %q", args[0]))
	}
}

func defaultRPCEndpoint() string {
	if raw := strings.TrimSpace(os.Getenv("RPC_URL")); raw != "" {
		return raw
	}
	return "http://localhost:8672"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := args[:0]
	for i := 0; i < len(args); i++ {
		if args[i] == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rpc requires a URL")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out, nil
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fatal(fmt.Sprintf("generate key: %v", err))
	}
	path := "wallet.key"
	if err := crypto.SaveToKeystore(path, key, ""); err != nil {
		fatal(fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Printf("New key saved to %s\n", path)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
}

func call(method string, params interface{}) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		fatal(fmt.Sprintf("encode request: %v", err))
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		fatal(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(fmt.Sprintf("rpc request: %v", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(fmt.Sprintf("read response: %v", err))
	}

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fatal(fmt.Sprintf("decode response: %v", err))
	}
	if decoded.Error != nil {
		fatal(fmt.Sprintf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, decoded.Result, "", "  "); err != nil {
		fmt.Println(string(decoded.Result))
		return
	}
	fmt.Println(pretty.String())
}

func parseUint(raw, what string) uint64 {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		fatal(fmt.Sprintf("invalid %s %q", what, raw))
	}
	return value
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`Usage: ramp-cli [--rpc URL] <command>

Commands:
  generate-key                                   Create a new keystore file
  balance <address>                              Show the spendable balance
  mint <caller> <to> <amount>                    Credit balance (owner only)
  register <address>                             Register an identity
  resolve <address>                              Resolve an address to its identity
  set-alias <address> <alias>                    Bind a display alias
  resolve-alias <alias>                          Resolve an alias to its address
  deposit create <depositor> <supplied> <recv>   Lock liquidity into a deposit
  deposit get <id>                               Show one deposit
  deposit list <depositor>                       List a depositor's open deposits
  deposit withdraw <depositor> <id> [id...]      Reclaim spendable liquidity
  intent signal <buyer> <id> <amount> <payout>   Reserve deposit liquidity
  intent get <key>                               Show one reservation
  intent cancel <caller> <key>                   Cancel a reservation
  intent complete <key>                          Settle a reservation
  intent release <caller> <key>                  Settle at the depositor's initiative
  params                                         Show governance parameters
  events [cursor]                                Page the committed event log

Environment:
  RPC_URL         RPC endpoint (default http://localhost:8672)
  RAMP_RPC_TOKEN  Bearer token for mutating methods`)
}
