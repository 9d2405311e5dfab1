package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// requestDomain prefixes every signed request digest so a signature over a
// request can never be replayed as a signature over anything else.
var requestDomain = ethcrypto.Keccak256([]byte("marginbot.request.v1"))

// Signer signs outbound AMM requests with the engine account's secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the account address derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// RequestDigest computes
//
//	keccak256(domain || keccak256(method) || keccak256(path) || timestamp || keccak256(body))
func RequestDigest(method, path string, body []byte, unixTS int64) []byte {
	return ethcrypto.Keccak256(
		requestDomain,
		ethcrypto.Keccak256([]byte(method)),
		ethcrypto.Keccak256([]byte(path)),
		[]byte(strconv.FormatInt(unixTS, 10)),
		ethcrypto.Keccak256(body),
	)
}

// SignRequest returns the hex-encoded 65-byte signature (r || s || v) of the
// request digest.
func (s *Signer) SignRequest(method, path string, body []byte, unixTS int64) (string, error) {
	sig, err := ethcrypto.Sign(RequestDigest(method, path, body, unixTS), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; the wire format uses {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverRequestSigner returns the address that produced sigHex over the
// request.
func RecoverRequestSigner(method, path string, body []byte, unixTS int64, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is %d bytes, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(RequestDigest(method, path, body, unixTS), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
