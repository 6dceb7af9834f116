package rpc

import (
	"encoding/json"
	"fmt"
)

// ParseBalance decodes a getBalance result payload.
func ParseBalance(raw json.RawMessage) (uint64, error) {
	var res balanceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, NewProviderError("", "malformed getBalance result", 0)
	}
	return res.Value, nil
}

// ParseMultipleBalances decodes a getMultipleAccounts result payload of the
// expected length. Null accounts map to zero lamports.
func ParseMultipleBalances(raw json.RawMessage, want int) ([]uint64, error) {
	var res multipleAccountsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, NewProviderError("", "malformed getMultipleAccounts result", 0)
	}
	if len(res.Value) != want {
		return nil, NewProviderError("",
			fmt.Sprintf("result length %d does not match request length %d", len(res.Value), want), 0)
	}
	balances := make([]uint64, len(res.Value))
	for i, acct := range res.Value {
		if acct != nil {
			balances[i] = acct.Lamports
		}
	}
	return balances, nil
}
