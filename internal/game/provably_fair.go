package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 1000000.00
	HOUSE_EDGE     = 0.01 // 1%
)

// RoundSeed is everything a round needs from the fairness scheme: the hidden
// server seed, the public commitment, and the precomputed crash point.
type RoundSeed struct {
	ServerSeed string
	ClientSeed string
	Commitment string
	CrashPoint float64
}

// CrashSource produces the crash point for each round. Injectable so the
// engine can be tested with a deterministic source.
type CrashSource interface {
	Next(nonce int) (RoundSeed, error)
}

// FairSource is the production source: commit-reveal HMAC-SHA256 scheme.
type FairSource struct{}

func (FairSource) Next(nonce int) (RoundSeed, error) {
	serverSeed, err := NewSeed()
	if err != nil {
		return RoundSeed{}, fmt.Errorf("server seed: %w", err)
	}
	// In production the client seed would aggregate player contributions.
	clientSeed, err := NewSeed()
	if err != nil {
		return RoundSeed{}, fmt.Errorf("client seed: %w", err)
	}

	return RoundSeed{
		ServerSeed: serverSeed,
		ClientSeed: clientSeed,
		Commitment: SeedCommitment(serverSeed),
		CrashPoint: CrashPoint(serverSeed, clientSeed, nonce),
	}, nil
}

// CrashPoint maps HMAC-SHA256(serverSeed, clientSeed:nonce) to a crash
// multiplier with an exponential distribution and a fixed house edge.
func CrashPoint(serverSeed, clientSeed string, nonce int) float64 {
	data := fmt.Sprintf("%s:%d", clientSeed, nonce)
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(data))
	hashHex := hex.EncodeToString(h.Sum(nil))

	// First 16 hex characters (64 bits)
	i := new(big.Int)
	i.SetString(hashHex[:16], 16)

	const MAX_VALUE_F64 = 18446744073709551616.0
	rFloat := float64(i.Uint64()) / MAX_VALUE_F64

	// House edge: instant crash
	if rFloat < HOUSE_EDGE {
		return MIN_MULTIPLIER
	}

	crashValue := (100.0 - HOUSE_EDGE*100) / (100.0 - rFloat*100.0)

	// Round to 2 decimal places
	finalMultiplier := float64(int(crashValue*100)) / 100.0

	if finalMultiplier < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if finalMultiplier > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}

	return finalMultiplier
}

// NewSeed returns a cryptographically secure random seed. A failing entropy
// source is the one retryable round-start failure.
func NewSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SeedCommitment is the SHA256 commitment published before the round runs.
func SeedCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRound lets players recompute the crash point from the revealed seed.
func VerifyRound(serverSeed, clientSeed string, nonce int, claimedMultiplier float64) bool {
	calculated := CrashPoint(serverSeed, clientSeed, nonce)
	diff := calculated - claimedMultiplier
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}
