package utils

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("哈希密码失败: %v", err)
	}
	if hash == "s3cret" {
		t.Error("哈希结果不应等于明文")
	}

	if !VerifyPassword("s3cret", hash) {
		t.Error("正确密码应验证通过")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("错误密码不应验证通过")
	}
}

func TestHashPasswordProducesDifferentSalts(t *testing.T) {
	h1, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("两次哈希应使用不同的盐")
	}
}
