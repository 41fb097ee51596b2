package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Prints a bearer identity token for a user id, signed with APP_SIGNING_SECRET.
// Usage: gen_token <user-uuid> [ttl]
func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gen_token <user-uuid> [ttl]")
		os.Exit(2)
	}
	userID := strings.TrimSpace(os.Args[1])
	if _, err := uuid.Parse(userID); err != nil {
		fmt.Fprintf(os.Stderr, "invalid user id %q\n", userID)
		os.Exit(2)
	}

	ttl := 8 * time.Hour
	if len(os.Args) > 2 {
		parsed, err := time.ParseDuration(os.Args[2])
		if err != nil || parsed <= 0 {
			fmt.Fprintf(os.Stderr, "invalid ttl %q\n", os.Args[2])
			os.Exit(2)
		}
		ttl = parsed
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if secret == "" {
		fmt.Fprintln(os.Stderr, "APP_SIGNING_SECRET is not set")
		os.Exit(1)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "wastewatch",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(signedToken)
}
