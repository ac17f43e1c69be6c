package token

import (
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/hertz-contrib/jwt"

	"SiteAttend/config"
)

const (
	IdentityKey = "uid"
)

var (
	// 这个实例会被 middleware 和 token 包共同使用
	sharedGenerator *jwt.HertzJWTMiddleware

	errGeneratorNotInitialized = fmt.Errorf("token generator not initialized, call token.Init() first")
)

func Init() error {
	var err error
	sharedGenerator, err = jwt.New(&jwt.HertzJWTMiddleware{
		Key:         []byte(config.Cfg.JWTSecret),
		Timeout:     time.Duration(config.Cfg.JWTExpireMinutes) * time.Minute,
		MaxRefresh:  time.Duration(config.Cfg.JWTRefreshDays) * 24 * time.Hour,
		IdentityKey: IdentityKey,
		TimeFunc:    time.Now,
	})

	if err != nil {
		return fmt.Errorf("failed to initialize token generator: %w", err)
	}

	return nil
}

// GetGenerator 获取共享的 token 生成器（供 middleware 使用）
func GetGenerator() *jwt.HertzJWTMiddleware {
	return sharedGenerator
}

// GenerateAccessToken 为外勤设备签发 access token，身份体系本身不在本服务内
func GenerateAccessToken(userID string, ttl time.Duration) (string, time.Time, error) {
	if sharedGenerator == nil {
		return "", time.Time{}, errGeneratorNotInitialized
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := jwtv5.MapClaims{
		IdentityKey: userID,
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
	}

	tokenObj := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	signed, err := tokenObj.SignedString(sharedGenerator.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	return signed, expiresAt, nil
}
