// README: Command-line check of time compatibility; rules only, or Gemini when GEMINI_API_KEY is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"pangea/internal/ai"
	"pangea/internal/logging"
	"pangea/internal/modules/timecompat"
)

func main() {
	zone := flag.String("tz", "America/Chicago", "delivery timezone")
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, `usage: ai_demo [-tz zone] "<time a>" "<time b>"`)
		os.Exit(2)
	}
	loc, err := time.LoadLocation(*zone)
	if err != nil {
		log.Fatalf("timezone: %v", err)
	}

	ctx := context.Background()
	opts := timecompat.Options{
		Timeout:  10 * time.Second,
		Location: loc,
		Logger:   logging.Setup(),
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		reasoner, err := ai.NewGeminiReasoner(ctx, key)
		if err != nil {
			log.Fatalf("Failed to initialize time reasoner: %v", err)
		}
		defer reasoner.Close()
		opts.Reasoner = reasoner
	}

	a, b := flag.Arg(0), flag.Arg(1)
	res := timecompat.NewService(opts).Compatible(ctx, "cli", a, b)

	fmt.Printf("A: %s\nB: %s\n", a, b)
	fmt.Printf("Compatible: %v (score %.2f, via %s)\n", res.IsCompatible, res.Score, res.Source)
	if res.OptimalTime != "" {
		fmt.Printf("Optimal time: %s\n", res.OptimalTime)
	}
	if res.Reasoning != "" {
		fmt.Printf("Reasoning: %s\n", res.Reasoning)
	}

	if r, err := timecompat.Resolve(res.OptimalTime, time.Now(), loc, 2*time.Hour); err == nil {
		if r.Immediate {
			fmt.Println("Pickup: immediately")
		} else {
			fmt.Printf("Pickup: %s\n", r.At.In(loc).Format(time.Kitchen))
		}
	}
}
