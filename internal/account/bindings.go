// ABOUTME: Fixed catalogue of external services bound to every account
// ABOUTME: Each binding is derived from the account id alone

package account

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/2389/tether/internal/store"
)

type service struct {
	name   string
	prefix string
	data   func(sum [32]byte) map[string]string
}

var catalogue = []service{
	{
		name:   "forum",
		prefix: "forum_",
		data: func(sum [32]byte) map[string]string {
			return map[string]string{"handle": "tether-" + hex.EncodeToString(sum[8:11])}
		},
	},
	{
		name:   "payments",
		prefix: "pay_",
		data: func(sum [32]byte) map[string]string {
			return map[string]string{"wallet": "w_" + hex.EncodeToString(sum[8:16])}
		},
	},
	{
		name:   "games",
		prefix: "player_",
		data: func(sum [32]byte) map[string]string {
			n := binary.BigEndian.Uint32(sum[8:12]) % 10000
			return map[string]string{"gamertag": fmt.Sprintf("Player%04d", n)}
		},
	},
}

// Services returns the names of every bound service.
func Services() []string {
	names := make([]string, len(catalogue))
	for i, s := range catalogue {
		names[i] = s.name
	}
	return names
}

// Bindings returns the service bindings of an account, ordered by catalogue.
func Bindings(accountID string) []store.ServiceBinding {
	bindings := make([]store.ServiceBinding, 0, len(catalogue))
	for _, s := range catalogue {
		sum := sha256.Sum256([]byte(s.name + ":" + accountID))
		bindings = append(bindings, store.ServiceBinding{
			AccountID:        accountID,
			ServiceName:      s.name,
			ServiceAccountID: s.prefix + hex.EncodeToString(sum[:8]),
			ServiceData:      s.data(sum),
		})
	}
	return bindings
}
