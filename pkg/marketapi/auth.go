package marketapi

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/twitchtv/twirp"
)

const (
	// SignatureHeader carries a 65-byte personal_sign signature, hex encoded.
	SignatureHeader = "X-Caller-Signature"
	// TimestampHeader carries the unix time, in seconds, the caller signed at.
	TimestampHeader = "X-Caller-Timestamp"

	DefaultSignatureWindow = 5 * time.Minute
)

// RequestMessage is the text a caller signs for a request: method, path,
// timestamp and the hex keccak256 of the body, one per line.
func RequestMessage(method, path string, ts int64, body []byte) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s", method, path, ts, crypto.Keccak256Hash(body).Hex()))
}

// SignRequest signs r as key's address. The body is read and replaced.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := now.Unix()
	sig, err := crypto.Sign(accounts.TextHash(RequestMessage(r.Method, r.URL.Path, ts, body)), key)
	if err != nil {
		return err
	}
	r.Header.Set(CallerHeader, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(SignatureHeader, hexutil.Encode(sig))
	r.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// SignatureAuth recovers the signer of a request and checks it against the
// address in CallerHeader. A signature is accepted once.
type SignatureAuth struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewSignatureAuth(window time.Duration, now func() time.Time) *SignatureAuth {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	if now == nil {
		now = time.Now
	}
	return &SignatureAuth{window: window, now: now, seen: make(map[string]time.Time)}
}

func unauthenticated(msg string) error {
	return twirp.NewError(twirp.Unauthenticated, msg)
}

// Verify returns the authenticated caller of r.
func (a *SignatureAuth) Verify(r *http.Request) (common.Address, error) {
	claimed := r.Header.Get(CallerHeader)
	if claimed == "" {
		return common.Address{}, unauthenticated(CallerHeader + " is required")
	}
	addr, err := address(claimed, CallerHeader)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(r.Header.Get(SignatureHeader))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, unauthenticated(SignatureHeader + " must be a 65-byte hex signature")
	}
	ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
	if err != nil {
		return common.Address{}, unauthenticated(TimestampHeader + " must be unix seconds")
	}
	now := a.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-a.window)) || signedAt.After(now.Add(a.window)) {
		return common.Address{}, unauthenticated("signature expired")
	}
	body, err := readBody(r)
	if err != nil {
		return common.Address{}, twirp.InvalidArgumentError("body", err.Error())
	}

	// Wallets produce v as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(RequestMessage(r.Method, r.URL.Path, ts, body)), sig)
	if err != nil {
		return common.Address{}, unauthenticated("bad signature")
	}
	signer := crypto.PubkeyToAddress(*pub)
	if subtle.ConstantTimeCompare(signer.Bytes(), addr.Bytes()) != 1 {
		return common.Address{}, unauthenticated("signature does not match " + CallerHeader)
	}
	if !a.remember(strings.ToLower(hexutil.Encode(sig)), signedAt.Add(a.window), now) {
		return common.Address{}, unauthenticated("signature already used")
	}
	return addr, nil
}

// remember records sig until expires and reports whether it was new.
func (a *SignatureAuth) remember(sig string, expires, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, exp := range a.seen {
		if now.After(exp) {
			delete(a.seen, k)
		}
	}
	if _, ok := a.seen[sig]; ok {
		return false
	}
	a.seen[sig] = expires
	return true
}

// APIKeyAuth guards next with a static operator key, sent as a Bearer token
// or in X-API-Key. An empty key disables the check.
func APIKeyAuth(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" {
			next(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			writeError(w, r, unauthenticated("missing api key"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			writeError(w, r, unauthenticated("invalid api key"))
			return
		}
		next(w, r)
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
