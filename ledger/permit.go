package ledger

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PermitDomainV1 is the domain separator mixed into every permit digest so a
// signature cannot be replayed against another signing scheme.
const PermitDomainV1 = "DELEVER_PERMIT_V1"

var (
	ErrPermitExpired   = errors.New("ledger: permit deadline passed")
	ErrPermitSignature = errors.New("ledger: permit signature invalid")
)

// PermitDigest renders the canonical message hash signed by an owner to grant
// spender a one-time allowance of value units, bound to the owner's current
// nonce and a deadline.
func PermitDigest(asset, owner, spender common.Address, value *big.Int, nonce uint64, deadline *big.Int) []byte {
	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, nonce)
	return ethcrypto.Keccak256(
		[]byte(PermitDomainV1),
		asset.Bytes(),
		owner.Bytes(),
		spender.Bytes(),
		common.LeftPadBytes(value.Bytes(), 32),
		nonceBytes,
		common.LeftPadBytes(deadline.Bytes(), 32),
	)
}

// UsePermit validates a signed allowance grant and, when valid, installs the
// allowance and consumes the owner's nonce so the signature cannot be reused.
func (st *State) UsePermit(asset, owner, spender common.Address, value, deadline *big.Int, v uint8, r, s [32]byte) error {
	if value == nil || value.Sign() < 0 {
		return ErrInvalidAmount
	}
	if deadline == nil || deadline.Cmp(big.NewInt(time.Now().Unix())) < 0 {
		return ErrPermitExpired
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	digest := PermitDigest(asset, owner, spender, value, st.nonces[owner], deadline)

	recovery := v
	if recovery >= 27 {
		recovery -= 27
	}
	signature := make([]byte, 65)
	copy(signature[:32], r[:])
	copy(signature[32:64], s[:])
	signature[64] = recovery

	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return ErrPermitSignature
	}
	if ethcrypto.PubkeyToAddress(*pub) != owner {
		return ErrPermitSignature
	}

	st.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(value)
	st.nonces[owner]++
	return nil
}
