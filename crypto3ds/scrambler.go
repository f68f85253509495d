package crypto3ds

import "math/big"

// scrambler constants from the 3DS (CTR) and DSi (TWL) AES key scramblers.
var (
	ctrScramblerConst = mustHex128("1FF9E9AAC5FE0408024591DC5D52768A")
	twlScramblerConst = mustHex128("FFFEFB4E295902582A680F5F1A4F3E79")

	mod128 = new(big.Int).Lsh(big.NewInt(1), 128)
)

func mustHex128(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("crypto3ds: bad scrambler constant " + s)
	}
	return n
}

// rol128 rotates a 128-bit value left by r bits.
func rol128(val *big.Int, r uint) *big.Int {
	r %= 128
	left := new(big.Int).Lsh(val, r)
	left.And(left, new(big.Int).Sub(mod128, big.NewInt(1)))
	right := new(big.Int).Rsh(val, 128-r)
	return left.Or(left, right)
}

func beBytesToInt(b [16]byte) *big.Int {
	return new(big.Int).SetBytes(b[:])
}

func intToBEBytes(n *big.Int) [16]byte {
	var out [16]byte
	b := n.Bytes()
	copy(out[16-len(b):], b)
	return out
}

// keygenCTR implements the retail/dev CTR-family scrambler:
// Normal = rol(rol(KeyX, 2) XOR KeyY + C, 87) mod 2^128.
func keygenCTR(keyX, keyY [16]byte) [16]byte {
	x := beBytesToInt(keyX)
	y := beBytesToInt(keyY)

	rotated := rol128(x, 2)
	xored := new(big.Int).Xor(rotated, y)
	sum := new(big.Int).Add(xored, ctrScramblerConst)
	sum.Mod(sum, mod128)
	result := rol128(sum, 87)
	return intToBEBytes(result)
}

// keygenTWL implements the DSi-family scrambler:
// Normal = rol(KeyX XOR KeyY + C, 42) mod 2^128.
func keygenTWL(keyX, keyY [16]byte) [16]byte {
	x := beBytesToInt(keyX)
	y := beBytesToInt(keyY)

	xored := new(big.Int).Xor(x, y)
	sum := new(big.Int).Add(xored, twlScramblerConst)
	sum.Mod(sum, mod128)
	result := rol128(sum, 42)
	return intToBEBytes(result)
}

// keygen dispatches to the scrambler family appropriate for slot.
func keygen(slot Keyslot, keyX, keyY [16]byte) [16]byte {
	if isTWL(slot) {
		return keygenTWL(keyX, keyY)
	}
	return keygenCTR(keyX, keyY)
}
