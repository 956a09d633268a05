package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint hashes params without idempotencyKey. encoding/json writes map
// keys in sorted order, so equal params always hash equal regardless of the
// key order the caller sent.
func Fingerprint(params map[string]any) (string, error) {
	rest := make(map[string]any, len(params))
	for k, v := range params {
		if k == "idempotencyKey" {
			continue
		}
		rest[k] = v
	}
	data, err := json.Marshal(rest)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyScope returns tenant/workspace, suffixed with :sessionKey when the request names one.
func IdempotencyScope(tenantID, workspaceID, sessionKey string) string {
	scope := tenantID + "/" + workspaceID
	if sessionKey != "" {
		scope += ":" + sessionKey
	}
	return scope
}

// IdempotencyRecordKey builds method:scope:key
func IdempotencyRecordKey(method Method, scope, key string) string {
	return string(method) + ":" + scope + ":" + key
}
