package gate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// WalletHeader carries the caller's wallet address.
const WalletHeader = "X-Wallet-Address"

// Challenge describes the pay-per-use fallback.
type Challenge struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
	PayTo    string `json:"payTo"`
}

type challengeBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Challenge Challenge `json:"challenge"`
}

// WriteChallenge writes a 402 Payment Required response for c.
func WriteChallenge(w http.ResponseWriter, c Challenge) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-X402-Required", "true")
	h.Set("X-X402-Pay-To", c.PayTo)
	h.Set("X-X402-Amount", c.Amount)
	h.Set("X-X402-Currency", c.Currency)
	h.Set("X-X402-Network", c.Network)
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(challengeBody{
		Error:     "Payment Required",
		Message:   "No active subscription found. Please pay via x402.",
		Challenge: c,
	})
}

// Middleware lets callers with a qualifying subscription to plan through to
// next and answers everyone else with the 402 challenge. Lookup failures are
// logged and treated as no subscription.
func (g *Gate) Middleware(plan solana.PublicKey, challenge Challenge, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := strings.TrimSpace(r.Header.Get(WalletHeader))
		if wallet != "" {
			subscriber, err := ParseWallet(wallet)
			if err != nil {
				g.logger.Debug().Err(err).Msg("Ignoring malformed wallet header")
			} else {
				d, err := g.Check(r.Context(), subscriber, plan)
				if err != nil {
					g.logger.Warn().
						Err(err).
						Str("subscriber", subscriber.String()).
						Str("plan", plan.String()).
						Msg("Subscription check failed, falling back to pay-per-use")
				}
				if d.Allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		WriteChallenge(w, challenge)
	})
}
