package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/api"
)

// gen-token prints an HS256 token accepted by the API in test mode.
func main() {
	user := flag.String("user", "", "user id to put in the sub claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	}
	if *user == "" || secret == "" {
		log.Fatal("usage: TEST_JWT_SECRET=... gen-token -user <id>")
	}
	token, err := api.SignTestToken([]byte(secret), *user, *ttl)
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	fmt.Println(token)
}
