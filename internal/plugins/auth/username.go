package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// Word lists for generated usernames. Short, neutral, and app-flavored --
// the user can change the name later.
var usernameAdjectives = []string{
	"quiet", "brave", "clever", "gentle", "swift", "lucky", "bright",
	"wandering", "curious", "silver", "midnight", "amber", "velvet",
	"hidden", "golden", "restless",
}

var usernameNouns = []string{
	"reader", "scribe", "raven", "fox", "willow", "ember", "quill",
	"lantern", "harbor", "thistle", "sparrow", "drifter", "keeper",
	"wanderer", "echo", "page",
}

// usernameMaxAttempts bounds the collision-retry loop. With a 5-digit
// suffix collisions are rare; hitting the bound means something is wrong
// with the uniqueness check itself.
const usernameMaxAttempts = 10

// GenerateUsername produces a globally unique username of the form
// adjective_noun_12345, retrying on collision against the exists check.
func GenerateUsername(ctx context.Context, exists func(ctx context.Context, username string) (bool, error)) (string, error) {
	for attempt := 0; attempt < usernameMaxAttempts; attempt++ {
		name := fmt.Sprintf("%s_%s_%05d",
			pick(usernameAdjectives), pick(usernameNouns), randInt(100_000))

		taken, err := exists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("checking username uniqueness: %w", err)
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique username after %d attempts", usernameMaxAttempts)
}

func pick(words []string) string {
	return words[randInt(int64(len(words)))]
}

func randInt(max int64) int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		// crypto/rand only fails when the platform source is broken.
		panic(fmt.Sprintf("reading random source: %v", err))
	}
	return n.Int64()
}
