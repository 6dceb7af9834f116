package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// identityFields never participate in computation keys: excluding them is
// what lets many logical clients share one cached computation.
var identityFields = map[string]bool{
	"identity":       true,
	"client_id":      true,
	"user_id":        true,
	"wallet":         true,
	"wallet_address": true,
	"balance":        true,
}

// ComputationKey derives a deterministic cache key from a computation name
// and its input context. The context is filtered of identity-bearing fields
// and serialized order-independently before hashing, so two clients with the
// same market inputs always land on the same key.
func ComputationKey(name string, contextMap map[string]any) string {
	keys := make([]string, 0, len(contextMap))
	for k := range contextMap {
		if identityFields[strings.ToLower(k)] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(contextMap[k])
		if err != nil {
			// unserializable values degrade to their Go formatting
			v = []byte(fmt.Sprintf("%v", contextMap[k]))
		}
		b.WriteString(k)
		b.WriteString("=")
		b.Write(v)
		b.WriteString(";")
	}

	sum := sha256.Sum256([]byte(b.String()))
	return name + ":" + hex.EncodeToString(sum[:16])
}
