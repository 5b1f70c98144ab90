package dedup

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"math/bits"
	"math/rand/v2"
)

const mersenne61 = (1 << 61) - 1

// Signature is a MinHash signature: one minimum per permutation.
type Signature []uint32

// MinHasher builds banded MinHash signatures over character shingles.
// Permutation coefficients come from a fixed seed so signatures written
// by one process compare equal in another.
type MinHasher struct {
	a, b    []uint64
	bands   int
	rows    int
	shingle int
}

// NewMinHasher creates a hasher with perm permutations split into bands.
// perm must be divisible by bands.
func NewMinHasher(perm, bands, shingle int) (*MinHasher, error) {
	if perm <= 0 || bands <= 0 || perm%bands != 0 {
		return nil, errors.New("minhash: permutations must be a positive multiple of bands")
	}
	if shingle <= 0 {
		return nil, errors.New("minhash: shingle size must be positive")
	}
	rng := rand.New(rand.NewPCG(0x6e7065, 0x64656475))
	h := &MinHasher{
		a:       make([]uint64, perm),
		b:       make([]uint64, perm),
		bands:   bands,
		rows:    perm / bands,
		shingle: shingle,
	}
	for i := 0; i < perm; i++ {
		h.a[i] = 1 + rng.Uint64N(mersenne61-1)
		h.b[i] = rng.Uint64N(mersenne61)
	}
	return h, nil
}

// Shingles returns the set of character n-grams of normalized text.
// Text shorter than one shingle yields a single shingle of the whole text.
func (h *MinHasher) Shingles(text string) map[string]struct{} {
	rs := []rune(Normalize(text))
	set := make(map[string]struct{})
	if len(rs) < h.shingle {
		if len(rs) > 0 {
			set[string(rs)] = struct{}{}
		}
		return set
	}
	for i := 0; i+h.shingle <= len(rs); i++ {
		set[string(rs[i:i+h.shingle])] = struct{}{}
	}
	return set
}

// Sign computes the signature of text.
func (h *MinHasher) Sign(text string) Signature {
	sig := make(Signature, len(h.a))
	for i := range sig {
		sig[i] = math.MaxUint32
	}
	for sh := range h.Shingles(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(sh))
		x := uint64(f.Sum32())
		for i := range sig {
			hi, lo := bits.Mul64(h.a[i], x)
			lo, carry := bits.Add64(lo, h.b[i], 0)
			hi += carry
			v := uint32(bits.Rem64(hi, lo, mersenne61))
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Candidate reports whether two signatures agree on every row of at least
// one band, the LSH pre-filter before the Jaccard estimate.
func (h *MinHasher) Candidate(x, y Signature) bool {
	if len(x) != len(y) || len(x) != h.bands*h.rows {
		return false
	}
	for b := 0; b < h.bands; b++ {
		same := true
		for r := b * h.rows; r < (b+1)*h.rows; r++ {
			if x[r] != y[r] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// Similarity estimates the Jaccard similarity of the underlying shingle sets.
func Similarity(x, y Signature) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return 0
	}
	n := 0
	for i := range x {
		if x[i] == y[i] {
			n++
		}
	}
	return float64(n) / float64(len(x))
}

// Encode packs a signature for storage.
func (s Signature) Encode() string {
	buf := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}

// DecodeSignature is the inverse of Encode.
func DecodeSignature(s string) (Signature, error) {
	buf, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, errors.New("minhash: truncated signature")
	}
	sig := make(Signature, len(buf)/4)
	for i := range sig {
		sig[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return sig, nil
}
