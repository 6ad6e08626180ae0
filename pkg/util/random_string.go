package util

import (
	"math/rand"
	"sync"
)

// RandomStringGenerator produces short alphanumeric tags used to scope log
// lines to one connection. Ambiguous characters (0, O, l, I) are excluded.
type RandomStringGenerator struct {
	mut sync.Mutex
	gen *rand.Rand
}

func CreateRandomStringGenerator(seed int64) *RandomStringGenerator {
	return &RandomStringGenerator{
		gen: rand.New(rand.NewSource(seed)),
	}
}

var letters = []rune("123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ")

func (g *RandomStringGenerator) GetRandomString(n int) string {
	g.mut.Lock()
	defer g.mut.Unlock()

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[g.gen.Intn(len(letters))]
	}
	return string(b)
}
