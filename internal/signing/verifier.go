// Package signing verifies maker signatures over submitted intents.
package signing

import (
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/domain/order"
)

// Verifier checks that a signature binds the intent to its maker.
type Verifier interface {
	Verify(intent order.Intent, signature []byte) error
}

// IntentDigest computes the EIP-191 personal-sign digest of the intent's
// canonical JSON encoding. Struct field order keeps the encoding stable.
func IntentDigest(intent order.Intent) ([]byte, error) {
	raw, err := json.Marshal(intent)
	if err != nil {
		return nil, errs.New("signing/digest", errs.CodeEncoding,
			errs.WithMessage("intent marshal failed"), errs.WithCause(err))
	}
	return accounts.TextHash(raw), nil
}

// EIP191Verifier recovers the signer from a 65-byte personal-sign signature
// and requires it to match the intent's user address.
type EIP191Verifier struct{}

// NewEIP191Verifier returns the production verifier.
func NewEIP191Verifier() EIP191Verifier { return EIP191Verifier{} }

func (EIP191Verifier) Verify(intent order.Intent, signature []byte) error {
	const op = "signing/verify"
	if len(signature) != crypto.SignatureLength {
		return errs.New(op, errs.CodeValidation,
			errs.WithMessage("signature must be 65 bytes"))
	}

	digest, err := IntentDigest(intent)
	if err != nil {
		return err
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	// Wallets emit V as 27/28, secp256k1 recovery wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return errs.New(op, errs.CodeValidation,
			errs.WithMessage("signature recovery failed"), errs.WithCause(err))
	}
	if crypto.PubkeyToAddress(*pub) != intent.User {
		return errs.New(op, errs.CodeValidation,
			errs.WithMessage("signature does not match intent user"))
	}
	return nil
}

// AcceptAll skips verification. Development only.
type AcceptAll struct{}

func (AcceptAll) Verify(order.Intent, []byte) error { return nil }
