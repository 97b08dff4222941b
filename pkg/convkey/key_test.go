package convkey_test

import (
	"testing"

	"workspace-im/pkg/convkey"
)

func TestOfIsOrderIndependent(t *testing.T) {
	if convkey.Of("u2", "u1") != convkey.Of("u1", "u2") {
		t.Fatalf("expected same key for both orders")
	}
	if got := convkey.Of("u2", "u1"); got != "u1:u2" {
		t.Fatalf("expected u1:u2, got %s", got)
	}
}

func TestPairSortsLexically(t *testing.T) {
	low, high := convkey.Pair("b10", "b9")
	if low != "b10" || high != "b9" {
		t.Fatalf("expected lexical order, got %s %s", low, high)
	}
}

func TestGroupIsScopedByWorkspace(t *testing.T) {
	k := convkey.Of("a", "b")
	if convkey.Group("w1", k) == convkey.Group("w2", k) {
		t.Fatalf("groups in different workspaces must differ")
	}
}

func TestValidIDRejectsSeparators(t *testing.T) {
	for _, id := range []string{"", "a:b", "b:c", "ws|1"} {
		if convkey.ValidID(id) {
			t.Fatalf("%q must be rejected", id)
		}
	}
	if !convkey.ValidID("user-42") {
		t.Fatalf("plain ids are valid")
	}
	// 只有包含分隔符的ID才会让不同会话撞到同一个key
	if convkey.Of("a", "b:c") != convkey.Of("a:b", "c") {
		t.Fatalf("expected the colliding pair to share a key")
	}
}
