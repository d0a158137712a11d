package shm

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/teris-io/shortid"
)

const namePrefix = "athenamp"

var (
	keyGenOnce sync.Once
	keyGen     *shortid.Shortid
	keyGenErr  error
)

// NewKey returns a short random key that keeps the queue names of
// concurrently running jobs on one host apart.
func NewKey() (string, error) {
	keyGenOnce.Do(func() {
		keyGen, keyGenErr = shortid.New(uint8(os.Getpid()%32), shortid.DefaultABC, uint64(time.Now().UnixNano()))
	})
	if keyGenErr != nil {
		return "", fmt.Errorf("failed to instantiate a shortid generator: %w", keyGenErr)
	}

	key, err := keyGen.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate queue key: %w", err)
	}
	return key, nil
}

// Name builds the segment name of one queue of a job.
func Name(key, purpose string) string {
	return strings.Join([]string{namePrefix, key, purpose}, "_")
}
