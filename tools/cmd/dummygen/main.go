// payment-core/tools/cmd/dummygen/main.go
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/example/payment-core/internal/fixtures"
)

func main() {
	n := flag.Int("n", 100, "number of payments to generate")
	out := flag.String("out", "testdata/payments.csv", "output CSV path")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	if err := fixtures.Generate(f, *n, rand.New(rand.NewSource(*seed))); err != nil {
		log.Fatal(err)
	}
	log.Printf("generated %s (%d payments)", *out, *n)
}
