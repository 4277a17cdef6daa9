package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"rainchain/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

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

	command := args[0]
	rest := args[1:]
	switch command {
	case "generate-key":
		generateKey()
	case "fund":
		requireArgs(rest, 3, "fund <address> <RUSD|RAIN> <amount>")
		invoke("rain_fundAccount", map[string]string{
			"address": rest[0], "asset": rest[1], "amount": rest[2],
		})
	case "balance":
		requireArgs(rest, 1, "balance <address>")
		invoke("rain_getBalance", map[string]string{"address": rest[0]})
	case "create-vault":
		requireArgs(rest, 2, "create-vault <owner> <threshold-bps>")
		invoke("rain_createVault", map[string]interface{}{
			"owner":                   rest[0],
			"liquidationThresholdBps": parseUint(rest[1]),
		})
	case "deposit":
		requireArgs(rest, 4, "deposit <owner> <vault-id> <custody-id> <amount>")
		invoke("rain_depositCollateral", map[string]string{
			"owner": rest[0], "vaultId": rest[1], "custodyId": rest[2], "amount": rest[3],
		})
	case "request-auth":
		requireArgs(rest, 2, "request-auth <owner> <vault-id>")
		invoke("rain_requestRepaymentAuth", map[string]string{
			"owner": rest[0], "vaultId": rest[1],
		})
	case "release":
		requireArgs(rest, 3, "release <owner> <custody-id> <auth-id>")
		invoke("rain_releaseToOwner", map[string]string{
			"owner": rest[0], "custodyId": rest[1], "authId": rest[2],
		})
	case "vault":
		requireArgs(rest, 1, "vault <vault-id>")
		invoke("rain_getVault", map[string]string{"vaultId": rest[0]})
	case "vaults":
		requireArgs(rest, 1, "vaults <address>")
		invoke("rain_listVaults", map[string]string{"address": rest[0]})
	case "auths":
		requireArgs(rest, 1, "auths <address>")
		invoke("rain_listAuths", map[string]string{"address": rest[0]})
	case "submit-borrow":
		requireArgs(rest, 5, "submit-borrow <borrower> <vault-id> <amount> <max-bps> <duration-secs>")
		invoke("rain_submitBorrowOrder", map[string]interface{}{
			"borrower":       rest[0],
			"vaultId":        rest[1],
			"amount":         rest[2],
			"maxInterestBps": parseUint(rest[3]),
			"durationSecs":   parseUint(rest[4]),
		})
	case "submit-lend":
		requireArgs(rest, 4, "submit-lend <lender> <amount> <min-bps> <duration-secs>")
		invoke("rain_submitLendOrder", map[string]interface{}{
			"lender":         rest[0],
			"amount":         rest[1],
			"minInterestBps": parseUint(rest[2]),
			"durationSecs":   parseUint(rest[3]),
		})
	case "orders":
		invoke("rain_listOpenOrders", map[string]string{})
	case "order":
		requireArgs(rest, 1, "order <order-id>")
		invoke("rain_getOrder", map[string]string{"orderId": rest[0]})
	case "fill":
		requireArgs(rest, 6, "fill <filler> <borrow-id> <lend-id> <vault-id> <amount> <feed-id>")
		invoke("rain_fillOrder", map[string]string{
			"filler": rest[0], "borrowOrderId": rest[1], "lendOrderId": rest[2],
			"vaultId": rest[3], "amount": rest[4], "feedId": rest[5],
		})
	case "commit-fill":
		requireArgs(rest, 4, "commit-fill <lender> <borrow-id> <lend-id> <amount>")
		invoke("rain_lenderCommitFill", map[string]string{
			"lender": rest[0], "borrowOrderId": rest[1], "lendOrderId": rest[2], "amount": rest[3],
		})
	case "complete-fill":
		requireArgs(rest, 4, "complete-fill <borrower> <fill-id> <vault-id> <feed-id>")
		invoke("rain_borrowerCompleteFill", map[string]string{
			"borrower": rest[0], "fillRequestId": rest[1], "vaultId": rest[2], "feedId": rest[3],
		})
	case "cancel-fill":
		requireArgs(rest, 2, "cancel-fill <lender> <fill-id>")
		invoke("rain_lenderCancelFill", map[string]string{
			"lender": rest[0], "fillRequestId": rest[1],
		})
	case "fills":
		requireArgs(rest, 1, "fills <address>")
		invoke("rain_listFillRequests", map[string]string{"address": rest[0]})
	case "position":
		requireArgs(rest, 1, "position <position-id>")
		invoke("rain_getPosition", map[string]string{"positionId": rest[0]})
	case "positions":
		requireArgs(rest, 1, "positions <address>")
		invoke("rain_listPositions", map[string]string{"address": rest[0]})
	case "repay":
		requireArgs(rest, 4, "repay <caller> <vault-id> <position-id> <amount>")
		invoke("rain_repayPosition", map[string]string{
			"caller": rest[0], "vaultId": rest[1], "positionId": rest[2], "amount": rest[3],
		})
	case "transfer":
		requireArgs(rest, 3, "transfer <holder> <position-id> <recipient>")
		invoke("rain_transferPosition", map[string]string{
			"holder": rest[0], "positionId": rest[1], "recipient": rest[2],
		})
	case "liquidate":
		requireArgs(rest, 4, "liquidate <liquidator> <vault-id> <custody-id> <feed-id>")
		invoke("rain_liquidate", map[string]string{
			"liquidator": rest[0], "vaultId": rest[1], "custodyId": rest[2], "feedId": rest[3],
		})
	case "settle":
		requireArgs(rest, 5, "settle <liquidator> <vault-id> <pool-ref> <fee-budget> <min-quote-out>")
		invoke("rain_sellCollateralAndSettle", map[string]string{
			"liquidator": rest[0], "vaultId": rest[1], "poolRef": rest[2],
			"feeBudget": rest[3], "minQuoteOut": rest[4],
		})
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Printf("Usage: rain-cli %s\n", usage)
		os.Exit(1)
	}
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid number %q\n", s)
		os.Exit(1)
	}
	return v
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	fileName := "wallet.key"
	if err := os.WriteFile(fileName, key.Bytes(), 0600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", fileName, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", fileName)
	fmt.Printf("Your address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely.")
}

// invoke posts a single JSON-RPC call and pretty-prints the result.
func invoke(method string, params interface{}) {
	result, err := callRPC(method, params)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}

func callRPC(method string, params interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    any    `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Data != nil {
			return nil, fmt.Errorf("error from node: %s (%v)", rpcResp.Error.Message, rpcResp.Error.Data)
		}
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printUsage() {
	fmt.Println(`rain-cli - command line client for a raind node

Global flags:
  --rpc <url>          RPC endpoint (default http://localhost:8080, env RPC_URL)

Key management:
  generate-key

Vaults:
  fund <address> <RUSD|RAIN> <amount>     (requires a node started with -faucet)
  balance <address>
  create-vault <owner> <threshold-bps>
  deposit <owner> <vault-id> <custody-id> <amount>
  request-auth <owner> <vault-id>
  release <owner> <custody-id> <auth-id>
  vault <vault-id>
  vaults <address>
  auths <address>

Order book:
  submit-borrow <borrower> <vault-id> <amount> <max-bps> <duration-secs>
  submit-lend <lender> <amount> <min-bps> <duration-secs>
  orders
  order <order-id>
  fill <filler> <borrow-id> <lend-id> <vault-id> <amount> <feed-id>

Escrowed fills:
  commit-fill <lender> <borrow-id> <lend-id> <amount>
  complete-fill <borrower> <fill-id> <vault-id> <feed-id>
  cancel-fill <lender> <fill-id>
  fills <address>

Positions:
  position <position-id>
  positions <address>
  repay <caller> <vault-id> <position-id> <amount>
  transfer <holder> <position-id> <recipient>

Liquidation:
  liquidate <liquidator> <vault-id> <custody-id> <feed-id>
  settle <liquidator> <vault-id> <pool-ref> <fee-budget> <min-quote-out>`)
}
