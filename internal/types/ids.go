package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// =============================================================================
// IDENTIFIER GENERATION AND VALIDATION
// =============================================================================

var (
	taskIDPattern   = regexp.MustCompile(`^tx-[a-z0-9]{6,12}$`)
	workerIDPattern = regexp.MustCompile(`^worker-[0-9a-f]{8}$`)
	runIDPattern    = regexp.MustCompile(`^run-[0-9a-f]{8}$`)
)

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewTaskID generates a task identifier of the form tx-<8 lowercase
// alphanumerics>. Collisions are possible and handled by the caller retrying.
func NewTaskID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// nothing sensible to fall back to.
		panic(fmt.Sprintf("types: reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = taskIDAlphabet[int(b)%len(taskIDAlphabet)]
	}
	return "tx-" + string(buf)
}

// NewWorkerID generates a worker identifier of the form worker-<hex-8>.
func NewWorkerID() string {
	return "worker-" + randomHex(4)
}

// NewRunID generates a run identifier of the form run-<hex-8>.
func NewRunID() string {
	return "run-" + randomHex(4)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("types: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// ValidTaskID reports whether id matches ^tx-[a-z0-9]{6,12}$.
func ValidTaskID(id string) bool { return taskIDPattern.MatchString(id) }

// ValidWorkerID reports whether id matches ^worker-[0-9a-f]{8}$.
func ValidWorkerID(id string) bool { return workerIDPattern.MatchString(id) }

// ValidRunID reports whether id matches ^run-[0-9a-f]{8}$.
func ValidRunID(id string) bool { return runIDPattern.MatchString(id) }
