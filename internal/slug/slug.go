// Package slug generates human-friendly subdomain slugs such as
// "brave-silent-otter".
package slug

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

var adjectives = []string{
	"amber", "ancient", "autumn", "bold", "brave", "bright", "calm", "clever",
	"cosmic", "crimson", "curly", "daring", "dusty", "eager", "early", "electric",
	"fancy", "fast", "fierce", "fluffy", "frosty", "gentle", "giant", "golden",
	"happy", "hidden", "humble", "icy", "jolly", "kind", "lazy", "little",
	"lively", "lucky", "misty", "modern", "mellow", "noisy", "odd", "old",
	"patient", "plain", "polite", "proud", "purple", "quick", "quiet", "rapid",
	"rare", "rough", "round", "royal", "rustic", "shiny", "short", "silent",
	"silver", "sleepy", "slow", "smooth", "snowy", "solid", "spicy", "steady",
	"stormy", "sunny", "swift", "tall", "tender", "tidy", "tiny", "vast",
	"velvet", "vivid", "wandering", "warm", "wild", "windy", "wise", "young",
}

var nouns = []string{
	"anchor", "apple", "arrow", "badger", "bay", "bear", "bird", "breeze",
	"brook", "canyon", "cedar", "cloud", "comet", "coral", "crane", "creek",
	"dawn", "delta", "dolphin", "dune", "eagle", "ember", "falcon", "fern",
	"field", "firefly", "forest", "fox", "glacier", "grove", "harbor", "hawk",
	"heron", "hill", "island", "jaguar", "koala", "lake", "lantern", "leaf",
	"lynx", "maple", "meadow", "moon", "moose", "mountain", "nebula", "oak",
	"ocean", "orchid", "otter", "owl", "panda", "panther", "pebble", "pine",
	"planet", "pond", "prairie", "rabbit", "raven", "reef", "river", "rocket",
	"sailboat", "shadow", "sparrow", "star", "stone", "summit", "sun", "thunder",
	"tiger", "trail", "valley", "violet", "wave", "willow", "wolf", "zephyr",
}

// Generator produces random slugs.
type Generator struct {
	rand  *rand.Rand
	words int
}

// New returns a generator of slugs made of two adjectives and a noun.
func New() *Generator {
	return &Generator{rand: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), words: 3}
}

// NewSeeded returns a deterministic generator.
func NewSeeded(seed uint64) *Generator {
	return &Generator{rand: rand.New(rand.NewPCG(seed, seed)), words: 3}
}

// Generate returns a new slug. Generator is not safe for concurrent use;
// use the package level Generate from multiple goroutines.
func (g *Generator) Generate() string {
	parts := make([]string, 0, g.words)
	for i := 0; i < g.words-1; i++ {
		parts = append(parts, adjectives[g.rand.IntN(len(adjectives))])
	}
	parts = append(parts, nouns[g.rand.IntN(len(nouns))])
	return strings.Join(parts, "-")
}

// Generate returns a slug from the global random source.
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + "-" +
		adjectives[rand.IntN(len(adjectives))] + "-" +
		nouns[rand.IntN(len(nouns))]
}

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// IsValidLabel reports whether s is a lowercase DNS label usable as a
// subdomain.
func IsValidLabel(s string) bool {
	return labelPattern.MatchString(s)
}
