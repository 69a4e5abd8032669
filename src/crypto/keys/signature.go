package keys

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
	"github.com/mosaicnetworks/dispersy/src/crypto"
)

// SignatureSize is the length of an encoded signature.
const SignatureSize = 64

// Sign signs the SHA256 hash of data and returns the 64 byte encoding.
func Sign(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := (*btcec.PrivateKey)(priv).Sign(crypto.SHA256(data))
	if err != nil {
		return nil, err
	}
	return EncodeSignature(sig.R, sig.S), nil
}

// Verify checks a signature produced by Sign.
func Verify(pub *ecdsa.PublicKey, data []byte, sig []byte) bool {
	r, s, err := DecodeSignature(sig)
	if err != nil {
		return false
	}
	signature := &btcec.Signature{R: r, S: s}
	return signature.Verify(crypto.SHA256(data), (*btcec.PublicKey)(pub))
}

// EncodeSignature writes r and s as two left padded 32 byte integers.
func EncodeSignature(r, s *big.Int) []byte {
	sig := make([]byte, SignatureSize)
	readBits(r, sig[:SignatureSize/2])
	readBits(s, sig[SignatureSize/2:])
	return sig
}

// DecodeSignature parses the output of EncodeSignature.
func DecodeSignature(sig []byte) (r, s *big.Int, err error) {
	if len(sig) != SignatureSize {
		return nil, nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(sig))
	}
	r = new(big.Int).SetBytes(sig[:SignatureSize/2])
	s = new(big.Int).SetBytes(sig[SignatureSize/2:])
	if r.Sign() == 0 || s.Sign() == 0 {
		return nil, nil, fmt.Errorf("empty signature")
	}
	return r, s, nil
}

// readBits encodes the absolute value of bigint as big-endian bytes, right
// aligned in buf. Callers must ensure that buf has enough space.
func readBits(bigint *big.Int, buf []byte) {
	b := bigint.Bytes()
	copy(buf[len(buf)-len(b):], b)
}
