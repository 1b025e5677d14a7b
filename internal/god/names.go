package god

import (
	"fmt"
	"math/rand"
)

var (
	nameAdjectives = [...]string{
		"agile", "amber", "ancient", "bold", "brave", "bright", "calm", "clever",
		"cosmic", "crisp", "daring", "eager", "early", "fancy", "fierce", "gentle",
		"golden", "happy", "hidden", "humble", "jolly", "keen", "lively", "lucid",
		"mellow", "merry", "nimble", "noble", "patient", "plucky", "quiet", "rapid",
		"rusty", "serene", "sharp", "silent", "sleepy", "steady", "stoic", "sunny",
		"swift", "tidy", "vivid", "wise", "witty", "zen",
	}
	nameNouns = [...]string{
		"babbage", "bardeen", "bohr", "boole", "cerf", "curie", "darwin", "dijkstra",
		"euler", "faraday", "fermat", "feynman", "gauss", "hamilton", "hopper", "hypatia",
		"kepler", "knuth", "lamport", "liskov", "lovelace", "maxwell", "mirzakhani", "newton",
		"noether", "pascal", "pike", "ritchie", "shannon", "tesla", "thompson", "torvalds",
		"turing", "wirth", "wozniak", "yonath",
	}
)

func randomName() string {
	return nameAdjectives[rand.Intn(len(nameAdjectives))] + "-" + nameNouns[rand.Intn(len(nameNouns))]
}

// freeName picks an adjective-noun name no registered application uses,
// falling back to a numeric suffix once random picks keep colliding.
func (g *God) freeName() string {
	for i := 0; i < 16; i++ {
		if n := randomName(); len(g.byName(n)) == 0 {
			return n
		}
	}
	base := randomName()
	for i := 2; ; i++ {
		if n := fmt.Sprintf("%s-%d", base, i); len(g.byName(n)) == 0 {
			return n
		}
	}
}
