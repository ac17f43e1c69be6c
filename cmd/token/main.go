package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"SiteAttend/config"
	"SiteAttend/pkg/token"
)

// 开发工具：为指定用户签发访问令牌，供 agent 与本地调试使用
func main() {
	userID := flag.String("user", "", "user id placed in the uid claim")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-ttl 12h]")
		os.Exit(2)
	}

	if config.Cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(1)
	}

	if err := token.Init(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	signed, expiresAt, err := token.GenerateAccessToken(*userID, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println(signed)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
}
