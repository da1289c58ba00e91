package metrics

import "github.com/bytedance/sonic"

// UserIDKeys are the payload fields searched for a user identifier, in order.
var UserIDKeys = []string{"user_id", "userId"}

// UserIDFromPayload extracts the user identifier embedded in a JSON job payload.
// Numbers are returned in their decimal form. Returns "" when absent.
func UserIDFromPayload(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	for _, key := range UserIDKeys {
		node, err := sonic.Get(raw, key)
		if err != nil || !node.Exists() {
			continue
		}
		if s, err := node.String(); err == nil && s != "" {
			return s
		}
	}
	return ""
}
