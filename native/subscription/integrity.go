package subscription

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
)

// ComputeDigest hashes the immutable subscription terms:
// merchant(20) || amount(i128 BE) || frequency(u64 BE) || cap(i128 BE).
func ComputeDigest(merchant [20]byte, amount *big.Int, frequency uint64, spendingCap *big.Int) [32]byte {
	buf := make([]byte, 0, 20+16+8+16)
	buf = append(buf, merchant[:]...)
	amt := encodeI128(amount)
	buf = append(buf, amt[:]...)
	var freq [8]byte
	binary.BigEndian.PutUint64(freq[:], frequency)
	buf = append(buf, freq[:]...)
	limit := encodeI128(spendingCap)
	buf = append(buf, limit[:]...)
	return sha256.Sum256(buf)
}

// encodeI128 renders v as a 16-byte big-endian two's complement integer.
// Values outside the 128-bit range are truncated to their low 128 bits.
func encodeI128(v *big.Int) [16]byte {
	var out [16]byte
	if v == nil {
		return out
	}
	val := new(big.Int).Set(v)
	if val.Sign() < 0 {
		val.Add(val, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	b := val.Bytes()
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	copy(out[16-len(b):], b)
	return out
}

// VerifyIntegrity recomputes the digest for sub. A mismatch emits an integrity
// violation event and returns false.
func (e *Engine) VerifyIntegrity(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	computed := ComputeDigest(sub.Merchant, sub.Amount, sub.Frequency, sub.SpendingCap)
	if computed == sub.Digest {
		return true
	}
	e.emit(NewIntegrityViolationEvent(sub.ID, sub.Digest, computed))
	return false
}
