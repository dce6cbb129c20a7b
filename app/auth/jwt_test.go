package auth

import (
	"testing"

	"audio-fusion/app/config"
)

func testConfig(secret string) *config.Config {
	cfg := &config.Config{}
	cfg.JWT.Secret = secret
	cfg.JWT.ExpireTime = 24
	cfg.JWT.Issuer = "audio-fusion"
	return cfg
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService(testConfig("test-secret"))

	token, err := svc.GenerateToken(1, "admin")
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if claims.UserID != 1 || claims.Username != "admin" {
		t.Errorf("声明内容错误: %+v", claims)
	}
	if claims.Issuer != "audio-fusion" {
		t.Errorf("签发者 = %q, 期望 audio-fusion", claims.Issuer)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := NewJWTService(testConfig("secret-a")).GenerateToken(1, "admin")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewJWTService(testConfig("secret-b")).ValidateToken(token); err == nil {
		t.Error("不同密钥签发的令牌应验证失败")
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	svc := NewJWTService(testConfig("test-secret"))
	if _, err := svc.ValidateToken("not.a.token"); err == nil {
		t.Error("非法令牌应验证失败")
	}
}

func TestRefreshTokenRejectedWhenStillValid(t *testing.T) {
	svc := NewJWTService(testConfig("test-secret"))

	token, err := svc.GenerateToken(1, "admin")
	if err != nil {
		t.Fatal(err)
	}

	// 距过期还早，不允许刷新
	if _, err := svc.RefreshToken(token); err == nil {
		t.Error("有效期充足的令牌不应允许刷新")
	}
}
